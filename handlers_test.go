package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu    sync.Mutex
	pings []Ping
}

func (p *recordingPublisher) Publish(ping Ping) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pings = append(p.pings, ping)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pings)
}

func newTestServer(t *testing.T) (*Server, *recordingPublisher) {
	t.Helper()

	cfg := DefaultConfig()
	db := openTestDB(t)
	classifier := NewClassifier(cfg.Status, fixedClock{testNow})
	board := NewLiveBoard(db, classifier, cfg.Spread, 0, zerolog.Nop())
	pub := &recordingPublisher{}

	return NewServer(cfg, db, board, nil, pub, classifier, time.UTC, zerolog.Nop()), pub
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// seed stores the day-track scenario for u1 and a second DSE u2
func seed(t *testing.T, s *Server) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.db.UpsertAgent(ctx, Agent{ID: "u1", Name: "Asha", Phone: "9830000001"}))
	require.NoError(t, s.db.UpsertAgent(ctx, Agent{ID: "u2", Name: "Bikram", Phone: "9830000002"}))

	base := time.Date(2024, time.June, 15, 9, 0, 0, 0, time.UTC)
	_, _, err := s.db.InsertPingBatch(ctx, []Ping{
		withAccuracy(ping("u1", 22.0, 88.0, base), 10),
		withAccuracy(ping("u1", 22.0005, 88.0005, base.Add(2*time.Minute)), 10),
		withAccuracy(ping("u1", 25.0, 90.0, base.Add(3*time.Minute)), 10),
		withAccuracy(ping("u1", 25.0, 90.0, testNow.Add(-2*time.Minute)), 500),
		ping("u2", 22.6, 88.4, testNow.Add(-45*time.Minute)),
		ping("u2", 22.6, 88.4, time.Date(2024, time.June, 14, 10, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
}

func TestHandlePings(t *testing.T) {
	t.Parallel()
	s, pub := newTestServer(t)
	h := s.Routes()

	body := `{"pings":[
		{"user":"u1","lat":22.5,"lon":88.3,"ts":"2024-06-15T11:00:00Z","acc":8},
		{"user":"u1","lat":22.6,"lon":88.3,"ts":1718449260000},
		{"user":"u1","lat":200,"lon":88.3}
	]}`
	rec := do(t, h, http.MethodPost, "/api/pings", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stats := decode[ImportStats](t, rec)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Parsed)
	assert.Equal(t, 2, stats.Inserted)
	assert.Equal(t, 1, stats.Errors)
	require.Len(t, stats.Messages, 1)
	assert.Equal(t, 2, pub.count())

	rec = do(t, h, http.MethodPost, "/api/pings", body)
	stats = decode[ImportStats](t, rec)
	assert.Equal(t, 2, stats.Skipped, "re-sent pings are duplicates")

	pings, err := s.db.QueryPings(context.Background(), "u1", testNow.Add(-2*time.Hour), testNow)
	require.NoError(t, err)
	assert.Len(t, pings, 2)
}

func TestHandlePingsRejectsGarbage(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	h := s.Routes()

	rec := do(t, h, http.MethodPost, "/api/pings", "not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "expected a JSON object or array")

	rec = do(t, h, http.MethodPost, "/api/pings", `{"lat":22.5,"lon":88.3}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "no owner and no default user")
	assert.Equal(t, 1, decode[ImportStats](t, rec).Errors)
}

func TestHandleOwnTracks(t *testing.T) {
	t.Parallel()
	s, pub := newTestServer(t)
	h := s.Routes()

	req := httptest.NewRequest(http.MethodPost, "/owntracks", strings.NewReader(`{"_type":"location","lat":22.5,"lon":88.3,"tst":1718449200,"acc":5,"vel":18}`))
	req.Header.Set("X-Limit-U", "u7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `[]`, rec.Body.String())
	assert.Equal(t, 1, pub.count())

	pings, err := s.db.QueryPings(context.Background(), "u7", testNow.Add(-2*time.Hour), testNow)
	require.NoError(t, err)
	require.Len(t, pings, 1)
	require.NotNil(t, pings[0].Speed)
	assert.InDelta(t, 5.0, *pings[0].Speed, 1e-9)

	// No tst: stamped with the server clock, not the epoch
	req = httptest.NewRequest(http.MethodPost, "/owntracks", strings.NewReader(`{"_type":"location","lat":22.5,"lon":88.3}`))
	req.Header.Set("X-Limit-U", "dse9")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	latest, err := s.db.LatestPositions(context.Background(), testNow.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "dse9", latest[0].OwnerID)
	assert.True(t, latest[0].TS.Equal(testNow), "got %v", latest[0].TS)
	assert.Equal(t, 2, pub.count())

	req = httptest.NewRequest(http.MethodPost, "/owntracks", strings.NewReader(`{"_type":"transition"}`))
	req.Header.Set("X-Limit-U", "u7")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, pub.count(), "non-location messages are ignored")
}

func TestHandlePingsLocalTime(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	s.loc = ist
	h := s.Routes()

	rec := do(t, h, http.MethodPost, "/api/pings", `{"user":"u1","lat":22.5,"lon":88.3,"ts":"2024-06-15 14:30:00"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	pings, err := s.db.QueryPings(context.Background(), "u1", testNow.Add(-4*time.Hour), testNow)
	require.NoError(t, err)
	require.Len(t, pings, 1)
	assert.True(t, pings[0].TS.Equal(time.Date(2024, time.June, 15, 9, 0, 0, 0, time.UTC)), "got %v", pings[0].TS)
}

func TestHandleGPSLogger(t *testing.T) {
	t.Parallel()
	s, pub := newTestServer(t)
	h := s.Routes()

	rec := do(t, h, http.MethodGet, "/gpslogger?lat=22.5&lon=88.3&time=2024-06-15T11:00:00.000Z&user=dse4&acc=6.5&spd=2", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "OK", rec.Body.String())
	assert.Equal(t, 1, pub.count())

	pings, err := s.db.QueryPings(context.Background(), "dse4", testNow.Add(-2*time.Hour), testNow)
	require.NoError(t, err)
	require.Len(t, pings, 1)
	assert.True(t, pings[0].TS.Equal(time.Date(2024, time.June, 15, 11, 0, 0, 0, time.UTC)))
	require.NotNil(t, pings[0].Accuracy)
	assert.Equal(t, 6.5, *pings[0].Accuracy)
	require.NotNil(t, pings[0].Speed)
	assert.Equal(t, 2.0, *pings[0].Speed)

	// Epoch seconds, and no time at all
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/gpslogger?lat=22.6&lon=88.3&time=1718447400&user=dse4", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/gpslogger?lat=22.7&lon=88.3&user=dse4", "").Code)

	pings, err = s.db.QueryPings(context.Background(), "dse4", testNow.Add(-2*time.Hour), testNow.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, pings, 3)
	assert.True(t, pings[0].TS.Equal(time.Date(2024, time.June, 15, 10, 30, 0, 0, time.UTC)))
	assert.True(t, pings[2].TS.Equal(testNow))

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/gpslogger?lat=north&lon=88.3&user=dse4", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/gpslogger?lat=22.5&user=dse4", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/gpslogger?lat=22.5&lon=88.3", "").Code, "no user and no default user")
	assert.Equal(t, 3, pub.count())
}

func TestHandleAgents(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	h := s.Routes()

	rec := do(t, h, http.MethodPut, "/api/agents/u1", `{"name":" Asha ","phone":"9830000001","photoUrl":"https://example.com/a.png"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Asha", decode[Agent](t, rec).Name)

	do(t, h, http.MethodPut, "/api/agents/u2", `{"phone":"9830000002"}`)

	agents := decode[[]Agent](t, do(t, h, http.MethodGet, "/api/agents", ""))
	require.Len(t, agents, 2)
	assert.Equal(t, "u2", agents[1].Name, "name defaults to the id")

	agents = decode[[]Agent](t, do(t, h, http.MethodGet, "/api/agents?q=0002", ""))
	require.Len(t, agents, 1)
	assert.Equal(t, "u2", agents[0].ID)
}

func TestHandleLatest(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	seed(t, s)
	h := s.Routes()

	rec := do(t, h, http.MethodGet, "/api/dse/latest", "")
	require.Equal(t, http.StatusOK, rec.Code)
	points := decode[[]DisplayPoint](t, rec)
	require.Len(t, points, 2)
	assert.Equal(t, "u1", points[0].OwnerID)
	assert.Equal(t, StatusOnline, points[0].Status)
	assert.Equal(t, "2m ago", points[0].Since)
	assert.Equal(t, "Asha", points[0].Name)
	assert.Equal(t, StatusInactive, points[1].Status)
	assert.Equal(t, points[1].Lat, points[1].DispLat)

	points = decode[[]DisplayPoint](t, do(t, h, http.MethodGet, "/api/dse/latest?status=inactive", ""))
	require.Len(t, points, 1)
	assert.Equal(t, "u2", points[0].OwnerID)

	points = decode[[]DisplayPoint](t, do(t, h, http.MethodGet, "/api/dse/latest?q=asha", ""))
	require.Len(t, points, 1)

	points = decode[[]DisplayPoint](t, do(t, h, http.MethodGet, "/api/dse/latest?activeWithin=30", ""))
	require.Len(t, points, 1, "u2 last reported 45 minutes ago")
	assert.Equal(t, "u1", points[0].OwnerID)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/dse/latest?status=asleep", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/dse/latest?activeWithin=soon", "").Code)
}

func TestHandleTrack(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	seed(t, s)
	h := s.Routes()

	rec := do(t, h, http.MethodGet, "/api/dse/u1/track?date=2024-06-15&maxAcc=50&sampleSec=30&addresses=1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	day := decode[TrackDay](t, rec)
	assert.Equal(t, "2024-06-15", day.Date)
	assert.Len(t, day.Coords, 3, "the 500 m accuracy ping is dropped")
	assert.Equal(t, 4, day.Stats.Pings)
	assert.Empty(t, day.Stops)
	assert.Greater(t, day.Stats.DistanceKm, 300.0)
	assert.Equal(t, "22.00000, 88.00000", day.StartAddress, "no geocoder degrades to coordinates")
	assert.Equal(t, "25.00000, 90.00000", day.EndAddress)

	rec = do(t, h, http.MethodGet, "/api/dse/u1/track?date=2024-06-15&maxAcc=0", "")
	assert.Len(t, decode[TrackDay](t, rec).Coords, 4)

	// No date means today in the configured zone
	rec = do(t, h, http.MethodGet, "/api/dse/u2/track", "")
	day = decode[TrackDay](t, rec)
	assert.Equal(t, "2024-06-15", day.Date)
	assert.Equal(t, 1, day.Stats.Pings)
	assert.Empty(t, day.StartAddress)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/dse/u1/track?date=15-06-2024", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/dse/u1/track?sampleSec=-5", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/dse/u1/track?maxAcc=high", "").Code)
}

func TestHandleTrackAddresses(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	seed(t, s)

	var hits atomic.Int32
	s.geocoder = newTestGeocoder(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Query().Get("lat") != "22.000000" {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"name": "Howrah Depot"})
	})

	rec := do(t, s.Routes(), http.MethodGet, "/api/dse/u1/track?date=2024-06-15&maxAcc=50&addresses=true", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	day := decode[TrackDay](t, rec)
	assert.Equal(t, "Howrah Depot", day.StartAddress)
	assert.Equal(t, "25.00000, 90.00000", day.EndAddress, "failed lookups degrade to coordinates")
	assert.Equal(t, int32(2), hits.Load(), "start and end resolved in one batch")
}

func TestHandleTrackRange(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	seed(t, s)
	h := s.Routes()

	rec := do(t, h, http.MethodGet, "/api/dse/u2/track/range?from=2024-06-13&to=2024-06-15", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rng := decode[RangeTrack](t, rec)
	assert.Equal(t, "2024-06-13", rng.From)
	assert.Equal(t, "2024-06-15", rng.To)
	require.Len(t, rng.Days, 3)
	assert.Zero(t, rng.Days[0].Stats.Pings)
	assert.Equal(t, 1, rng.Days[1].Stats.Pings)
	assert.Equal(t, 1, rng.Days[2].Stats.Pings)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/dse/u2/track/range", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/dse/u2/track/range?from=2020-01-01&to=2024-01-01", "").Code)
}

func TestHandleSummary(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	seed(t, s)
	h := s.Routes()

	rec := do(t, h, http.MethodGet, "/api/reports/summary?from=2024-06-14&to=2024-06-15", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[SummaryResponse](t, rec)
	assert.Equal(t, GranularityDay, resp.Granularity)
	require.Len(t, resp.Rows, 3)
	assert.Equal(t, "Asha", resp.Rows[0].Name)
	assert.Equal(t, "Bikram", resp.Rows[1].Name)
	assert.Equal(t, "2024-06-14", resp.Rows[1].Key)
	assert.InDelta(t, TotalDistanceKm(resp.Rows), resp.TotalDistanceKm, 1e-9)

	resp = decode[SummaryResponse](t, do(t, h, http.MethodGet, "/api/reports/summary?from=2024-06-20&granularity=month&q=bikram", ""))
	assert.Equal(t, "2024-06-01", resp.From)
	assert.Equal(t, "2024-06-30", resp.To)
	require.Len(t, resp.Rows, 1)
	assert.Equal(t, "2024-06", resp.Rows[0].Key)
	assert.Equal(t, 2, resp.Rows[0].Pings)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/reports/summary?from=2024-06-14&granularity=hour", "").Code)
}

func TestHandleSummaryCSV(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	seed(t, s)
	h := s.Routes()

	rec := do(t, h, http.MethodGet, "/api/reports/summary.csv?from=2024-06-15", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "summary_2024-06-15_2024-06-15.csv")

	records, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, summaryCSVHeader, records[0])
}

func TestHandleAttendance(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	seed(t, s)
	h := s.Routes()

	resp := decode[AttendanceResponse](t, do(t, h, http.MethodGet, "/api/reports/attendance?from=2024-06-14&to=2024-06-15", ""))
	require.Len(t, resp.Rows, 4)
	assert.Equal(t, "2024-06-14", resp.Rows[0].Date)
	assert.Equal(t, "Asha", resp.Rows[0].Name)
	assert.False(t, resp.Rows[0].Present)
	assert.True(t, resp.Rows[1].Present)

	rec := do(t, h, http.MethodGet, "/api/reports/attendance.csv?from=2024-06-14&to=2024-06-15&q=asha", "")
	require.Equal(t, http.StatusOK, rec.Code)
	records, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "no", records[1][4])
	assert.Equal(t, "yes", records[2][4])
}

func TestHandleHealthz(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)

	rec := do(t, s.Routes(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandleLiveRefresh(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	seed(t, s)

	rec := do(t, s.Routes(), http.MethodPost, "/api/live/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	snap := decode[LiveSnapshot](t, rec)
	assert.Equal(t, uint64(1), snap.Generation)
	assert.Len(t, snap.Points, 2)
}

func TestHandleLiveSSE(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	seed(t, s)
	require.NoError(t, s.board.Refresh(context.Background()))

	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/live", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	var data string
	for data == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(strings.TrimSpace(line), "data: ")
		}
	}

	var snap LiveSnapshot
	require.NoError(t, json.Unmarshal([]byte(data), &snap))
	assert.Equal(t, uint64(1), snap.Generation)
	assert.Len(t, snap.Points, 2)
}

func TestHandleLiveWebSocket(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	seed(t, s)

	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/live", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first LiveSnapshot
	require.NoError(t, conn.ReadJSON(&first))
	assert.Zero(t, first.Generation, "nothing refreshed yet")

	require.NoError(t, s.board.Refresh(context.Background()))

	var next LiveSnapshot
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, uint64(1), next.Generation)
	assert.Len(t, next.Points, 2)
}

func TestHandleLiveWebSocketOrigin(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	s.upgrader = newUpgrader([]string{"https://console.example.com"})

	srv := httptest.NewServer(s.Routes())
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/live"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example.net"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://Console.Example.com"}})
	require.NoError(t, err)
	conn.Close()
}

func TestOriginChecker(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no list allows all", nil, "https://anywhere.example", true},
		{"listed", []string{"https://console.example.com"}, "https://console.example.com", true},
		{"not listed", []string{"https://console.example.com"}, "https://other.example.com", false},
		{"wildcard", []string{"*"}, "https://other.example.com", true},
		{"no origin header", []string{"https://console.example.com"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws/live", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, originChecker(tt.allowed)(r))
		})
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// maxRangeDays bounds range tracks and reports
const maxRangeDays = 366

// maxIngestBytes bounds a single ingest request body
const maxIngestBytes = 10 << 20

type Server struct {
	db         *DB
	board      *LiveBoard
	geocoder   *GeocodingService
	publisher  PingPublisher
	classifier *Classifier
	cfg        *Config
	loc        *time.Location
	upgrader   *websocket.Upgrader
	logger     zerolog.Logger
}

// NewServer wires the HTTP handlers to their collaborators. geocoder may be
// nil, in which case addresses degrade to coordinates.
func NewServer(cfg *Config, db *DB, board *LiveBoard, geocoder *GeocodingService, publisher PingPublisher, classifier *Classifier, loc *time.Location, logger zerolog.Logger) *Server {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Server{
		db:         db,
		board:      board,
		geocoder:   geocoder,
		publisher:  publisher,
		classifier: classifier,
		cfg:        cfg,
		loc:        loc,
		upgrader:   newUpgrader(cfg.Live.AllowedOrigins),
		logger:     logger,
	}
}

type httpError struct {
	code int
	msg  string
}

func (e *httpError) Error() string { return e.msg }

func badRequest(format string, args ...any) *httpError {
	return &httpError{code: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps err to a JSON error response. httpErrors keep their status code,
// anything else is logged and reported as a 500.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var he *httpError
	if errors.As(err, &he) {
		writeError(w, he.code, he.msg)
		return
	}
	s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

// GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// POST /api/pings - single ping, array of pings, or {"pings": [...]}
func (s *Server) handlePings(w http.ResponseWriter, r *http.Request) {
	payloads, err := ParsePingBatch(http.MaxBytesReader(w, r.Body, maxIngestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pings, errs := ExtractPings(payloads, s.cfg.DefaultUser, s.classifier.Clock.Now(), s.loc)
	stats := ImportStats{
		Total:    len(payloads),
		Parsed:   len(pings),
		Errors:   len(errs),
		Messages: errorMessages(errs),
	}

	if len(pings) == 0 {
		writeJSON(w, http.StatusBadRequest, stats)
		return
	}

	stats.Inserted, stats.Skipped, err = s.db.InsertPingBatch(r.Context(), pings)
	if err != nil {
		s.fail(w, r, fmt.Errorf("failed to store pings: %w", err))
		return
	}

	s.publish(pings)

	s.logger.Debug().
		Int("total", stats.Total).
		Int("inserted", stats.Inserted).
		Int("skipped", stats.Skipped).
		Int("errors", stats.Errors).
		Msg("pings ingested")

	writeJSON(w, http.StatusOK, stats)
}

// errorMessages renders per-ping errors, capped at maxErrorMessages
func errorMessages(errs []error) []string {
	var msgs []string
	for i, err := range errs {
		if i >= maxErrorMessages {
			msgs = append(msgs, fmt.Sprintf("... and %d more errors", len(errs)-maxErrorMessages))
			break
		}
		msgs = append(msgs, err.Error())
	}
	return msgs
}

// GET /gpslogger?lat=&lon=&time=&user=&acc=&spd= - GPSLogger compatible endpoint
func (s *Server) handleGPSLogger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	payload := PingPayload{User: q.Get("user")}
	for _, f := range []struct {
		name string
		dst  **float64
	}{
		{"lat", &payload.Lat},
		{"lon", &payload.Lon},
		{"acc", &payload.Acc},
		{"spd", &payload.Speed},
	} {
		v := q.Get(f.name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s %q", f.name, v))
			return
		}
		*f.dst = &n
	}
	if v := q.Get("time"); v != "" {
		payload.TS = json.RawMessage(strconv.Quote(v))
	}

	pings, errs := ExtractPings([]PingPayload{payload}, s.cfg.DefaultUser, s.classifier.Clock.Now(), s.loc)
	if len(errs) > 0 {
		writeError(w, http.StatusBadRequest, errs[0].Error())
		return
	}

	if _, err := s.db.InsertPing(r.Context(), pings[0]); err != nil {
		s.fail(w, r, fmt.Errorf("failed to store ping: %w", err))
		return
	}
	s.publish(pings)

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// POST /owntracks - OwnTracks compatible endpoint
func (s *Server) handleOwnTracks(w http.ResponseWriter, r *http.Request) {
	var payload OwnTracksPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBytes)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	// Ignore non-location messages
	if payload.Type != "location" {
		writeJSON(w, http.StatusOK, []any{})
		return
	}

	userID := r.Header.Get("X-Limit-U")
	if userID == "" {
		userID = s.cfg.DefaultUser
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, "X-Limit-U header required")
		return
	}

	ping := payload.Ping(userID, s.classifier.Clock.Now())
	if !ping.Coord().Valid() {
		writeError(w, http.StatusBadRequest, "coordinate out of range")
		return
	}

	if _, err := s.db.InsertPing(r.Context(), ping); err != nil {
		s.fail(w, r, fmt.Errorf("failed to store ping: %w", err))
		return
	}
	s.publish([]Ping{ping})

	// OwnTracks expects an array of messages to deliver back to the device
	writeJSON(w, http.StatusOK, []any{})
}

func (s *Server) publish(pings []Ping) {
	for _, p := range pings {
		if err := s.publisher.Publish(p); err != nil {
			s.logger.Warn().Err(err).Str("user", p.OwnerID).Msg("failed to publish ping")
			return
		}
	}
}

// PUT /api/agents/{id}
func (s *Server) handlePutAgent(w http.ResponseWriter, r *http.Request) {
	var agent Agent
	if err := json.NewDecoder(r.Body).Decode(&agent); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	agent.ID = chi.URLParam(r, "id")
	agent.Name = strings.TrimSpace(agent.Name)
	agent.Phone = strings.TrimSpace(agent.Phone)
	if agent.Name == "" {
		agent.Name = agent.ID
	}

	if err := s.db.UpsertAgent(r.Context(), agent); err != nil {
		s.fail(w, r, fmt.Errorf("failed to save agent: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// GET /api/agents?q=
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.db.ListAgents(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	agents = FilterRows(agents, r.URL.Query().Get("q"))
	if agents == nil {
		agents = []Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

// GET /api/dse/latest?activeWithin=&q=&status=
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	activeWithin := s.cfg.Live.ActiveWithin
	if v := q.Get("activeWithin"); v != "" {
		d, err := parseMinutes(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		activeWithin = d
	}

	var statuses map[Status]bool
	if v := q.Get("status"); v != "" && v != "all" {
		statuses = make(map[Status]bool)
		for _, part := range strings.Split(v, ",") {
			st, ok := ParseStatus(strings.TrimSpace(part))
			if !ok {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", part))
				return
			}
			statuses[st] = true
		}
	}

	var since time.Time
	if activeWithin > 0 {
		since = s.classifier.Clock.Now().Add(-activeWithin)
	}

	points, err := s.db.LatestPositions(r.Context(), since)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	points = FilterRows(decorate(points, s.classifier), q.Get("q"))
	if statuses != nil {
		kept := points[:0]
		for _, p := range points {
			if statuses[p.Status] {
				kept = append(kept, p)
			}
		}
		points = kept
	}

	writeJSON(w, http.StatusOK, Spread(points, s.cfg.Spread))
}

// parseMinutes reads a whole number of minutes, or a Go duration such as "2h"
func parseMinutes(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Minute, nil
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return d, nil
	}
	return 0, fmt.Errorf("invalid duration %q", v)
}

// trackOptions applies maxAcc and sampleSec query overrides to the
// configured defaults
func (s *Server) trackOptions(r *http.Request) (TrackOptions, error) {
	opts := s.cfg.Tracking
	q := r.URL.Query()

	if v := q.Get("maxAcc"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return opts, badRequest("invalid maxAcc %q", v)
		}
		opts.MaxAccuracy = f
	}
	if v := q.Get("sampleSec"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, badRequest("invalid sampleSec %q", v)
		}
		opts.SampleSeconds = n
	}
	return opts, nil
}

func (s *Server) parseDate(v string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, v, s.loc)
	if err != nil {
		return time.Time{}, badRequest("invalid date %q, use YYYY-MM-DD", v)
	}
	return t, nil
}

// parseRange reads from/to (inclusive days) and normalizes them for g
func (s *Server) parseRange(r *http.Request, g Granularity) (DateRange, error) {
	q := r.URL.Query()

	fromStr := q.Get("from")
	if fromStr == "" {
		return DateRange{}, badRequest("from parameter required (YYYY-MM-DD)")
	}
	from, err := s.parseDate(fromStr)
	if err != nil {
		return DateRange{}, err
	}

	to := from
	if toStr := q.Get("to"); toStr != "" {
		if to, err = s.parseDate(toStr); err != nil {
			return DateRange{}, err
		}
	}

	rng := NormalizeRange(g, from, to, s.loc)
	if n := len(rng.Days()); n > maxRangeDays {
		return DateRange{}, badRequest("range of %d days exceeds the %d day limit", n, maxRangeDays)
	}
	return rng, nil
}

// GET /api/dse/{id}/track?date=&maxAcc=&sampleSec=&addresses=1
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	opts, err := s.trackOptions(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	date := startOfDay(s.classifier.Clock.Now(), s.loc)
	if v := r.URL.Query().Get("date"); v != "" {
		if date, err = s.parseDate(v); err != nil {
			s.fail(w, r, err)
			return
		}
	}

	pings, err := s.db.QueryPings(r.Context(), id, date, date.AddDate(0, 0, 1))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	day := BuildTrackDay(date.Format(dateLayout), pings, opts)
	if wantAddresses(r) {
		s.fillAddresses(r.Context(), &day)
	}

	writeJSON(w, http.StatusOK, day)
}

// GET /api/dse/{id}/track/range?from=&to=&maxAcc=&sampleSec=
func (s *Server) handleTrackRange(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	opts, err := s.trackOptions(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rng, err := s.parseRange(r, GranularityDay)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	pings, err := s.db.QueryPings(r.Context(), id, rng.From, rng.To)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, BuildRange(pings, rng, s.loc, opts))
}

func wantAddresses(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("addresses"))
	return v
}

// fillAddresses labels the first and last retained point and every stop in
// one geocoder batch
func (s *Server) fillAddresses(ctx context.Context, day *TrackDay) {
	n := len(day.Points)
	if n == 0 {
		return
	}

	first, last := day.Points[0], day.Points[n-1]
	coords := make([]LatLon, 0, 2+len(day.Stops))
	coords = append(coords, LatLon{Lat: first.Lat, Lon: first.Lon}, LatLon{Lat: last.Lat, Lon: last.Lon})
	for _, st := range day.Stops {
		coords = append(coords, LatLon{Lat: st.Lat, Lon: st.Lon})
	}

	labels := s.geocoder.Labels(ctx, coords)
	day.StartAddress, day.EndAddress = labels[0], labels[1]
	for i := range day.Stops {
		day.Stops[i].Address = labels[2+i]
	}
}

// SummaryResponse is the JSON body of the summary report
type SummaryResponse struct {
	From            string       `json:"from"`
	To              string       `json:"to"`
	Granularity     Granularity  `json:"granularity"`
	Rows            []SummaryRow `json:"rows"`
	TotalDistanceKm float64      `json:"totalDistanceKm"`
}

// AttendanceResponse is the JSON body of the attendance report
type AttendanceResponse struct {
	From string          `json:"from"`
	To   string          `json:"to"`
	Rows []AttendanceRow `json:"rows"`
}

// reportInput loads everything a report needs for the request's range
func (s *Server) reportInput(r *http.Request, g Granularity) (DateRange, []Ping, []Agent, error) {
	rng, err := s.parseRange(r, g)
	if err != nil {
		return DateRange{}, nil, nil, err
	}
	pings, err := s.db.QueryPings(r.Context(), "", rng.From, rng.To)
	if err != nil {
		return DateRange{}, nil, nil, fmt.Errorf("failed to query pings: %w", err)
	}
	agents, err := s.db.ListAgents(r.Context())
	if err != nil {
		return DateRange{}, nil, nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return rng, pings, agents, nil
}

func (s *Server) summaryRows(r *http.Request) (SummaryResponse, error) {
	g, err := ParseGranularity(r.URL.Query().Get("granularity"))
	if err != nil {
		return SummaryResponse{}, badRequest("%s", err.Error())
	}

	rng, pings, agents, err := s.reportInput(r, g)
	if err != nil {
		return SummaryResponse{}, err
	}

	rows := FilterRows(Summarize(pings, agents, rng, g, s.loc, s.cfg.Tracking), r.URL.Query().Get("q"))
	if rows == nil {
		rows = []SummaryRow{}
	}
	return SummaryResponse{
		From:            rng.From.Format(dateLayout),
		To:              rng.LastDay().Format(dateLayout),
		Granularity:     g,
		Rows:            rows,
		TotalDistanceKm: TotalDistanceKm(rows),
	}, nil
}

func (s *Server) attendanceRows(r *http.Request) (AttendanceResponse, error) {
	rng, pings, agents, err := s.reportInput(r, GranularityDay)
	if err != nil {
		return AttendanceResponse{}, err
	}

	rows := FilterRows(Attendance(pings, agents, rng, s.loc, s.cfg.Tracking), r.URL.Query().Get("q"))
	if rows == nil {
		rows = []AttendanceRow{}
	}
	return AttendanceResponse{
		From: rng.From.Format(dateLayout),
		To:   rng.LastDay().Format(dateLayout),
		Rows: rows,
	}, nil
}

// GET /api/reports/summary?from=&to=&granularity=&q=
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	resp, err := s.summaryRows(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /api/reports/summary.csv
func (s *Server) handleSummaryCSV(w http.ResponseWriter, r *http.Request) {
	resp, err := s.summaryRows(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeCSVHeaders(w, fmt.Sprintf("summary_%s_%s.csv", resp.From, resp.To))
	if err := WriteSummaryCSV(w, resp.Rows); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write summary csv")
	}
}

// GET /api/reports/attendance?from=&to=&q=
func (s *Server) handleAttendance(w http.ResponseWriter, r *http.Request) {
	resp, err := s.attendanceRows(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /api/reports/attendance.csv
func (s *Server) handleAttendanceCSV(w http.ResponseWriter, r *http.Request) {
	resp, err := s.attendanceRows(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeCSVHeaders(w, fmt.Sprintf("attendance_%s_%s.csv", resp.From, resp.To))
	if err := WriteAttendanceCSV(w, resp.Rows); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write attendance csv")
	}
}

func writeCSVHeaders(w http.ResponseWriter, filename string) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
}

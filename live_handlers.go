package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 512                 // Maximum message size allowed from peer.
	sseKeepAlive   = 25 * time.Second
)

func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
}

// originChecker allows any origin when allowed is empty. Otherwise the Origin
// header must match an entry, ignoring case. Requests without an Origin come
// from non-browser clients and are let through.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// POST /api/live/refresh - refresh now unless a refresh is already running
func (s *Server) handleLiveRefresh(w http.ResponseWriter, r *http.Request) {
	err := s.board.Refresh(r.Context())
	if errors.Is(err, ErrRefreshInFlight) {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "in_flight"})
		return
	}
	if err != nil {
		s.fail(w, r, fmt.Errorf("live refresh failed: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, s.board.Snapshot())
}

// GET /api/live - streams live board snapshots via SSE
func (s *Server) handleLiveSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	updates, unsubscribe := s.board.Subscribe()
	defer unsubscribe()

	send := func(snap LiveSnapshot) bool {
		data, err := json.Marshal(snap)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to encode snapshot")
			return false
		}
		if _, err := fmt.Fprintf(w, "event: snapshot\nid: %d\ndata: %s\n\n", snap.Generation, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	// Current state first so the map renders without waiting for a refresh
	if !send(s.board.Snapshot()) {
		return
	}

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if !send(snap) {
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// GET /ws/live - streams live board snapshots over a WebSocket
func (s *Server) handleLiveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	updates, unsubscribe := s.board.Subscribe()
	done := make(chan struct{})

	go s.wsReadPump(conn, done)
	s.wsWritePump(conn, updates, done)
	unsubscribe()
}

// wsReadPump discards client messages and tracks pongs. done is closed when
// the peer goes away.
func (s *Server) wsReadPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
	}
}

// wsWritePump writes the current snapshot, then every update, with periodic pings
func (s *Server) wsWritePump(conn *websocket.Conn, updates <-chan LiveSnapshot, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	write := func(snap LiveSnapshot) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(snap)
	}

	if err := write(s.board.Snapshot()); err != nil {
		return
	}

	for {
		select {
		case <-done:
			return
		case snap, ok := <-updates:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := write(snap); err != nil {
				s.logger.Debug().Err(err).Msg("websocket write error")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package main

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes builds the HTTP router for the service
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	// Ingest
	r.Post("/owntracks", s.handleOwnTracks)
	r.Get("/gpslogger", s.handleGPSLogger)
	r.Post("/api/pings", s.handlePings)

	r.Route("/api/agents", func(r chi.Router) {
		r.Get("/", s.handleListAgents)
		r.Put("/{id}", s.handlePutAgent)
	})

	r.Route("/api/dse", func(r chi.Router) {
		r.Get("/latest", s.handleLatest)
		r.Get("/{id}/track", s.handleTrack)
		r.Get("/{id}/track/range", s.handleTrackRange)
	})

	r.Route("/api/reports", func(r chi.Router) {
		r.Get("/summary", s.handleSummary)
		r.Get("/summary.csv", s.handleSummaryCSV)
		r.Get("/attendance", s.handleAttendance)
		r.Get("/attendance.csv", s.handleAttendanceCSV)
	})

	// Live map
	r.Get("/api/live", s.handleLiveSSE)
	r.Post("/api/live/refresh", s.handleLiveRefresh)
	r.Get("/ws/live", s.handleLiveWS)

	return r
}

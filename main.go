package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "config file path (default: $XDG_CONFIG_HOME/dsetrack/config.yaml)")
	addr := flag.String("addr", "", "listen address (overrides config)")
	dbPath := flag.String("db", "", "database path (overrides config)")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *addr != "" {
		cfg.Listen = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	logger, err := initLogger(cfg.Log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize logger")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}

func run(ctx context.Context, cfg *Config, logger zerolog.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	db, err := OpenDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	var publisher PingPublisher = nopPublisher{}
	if cfg.NATSConfigured() {
		p, err := connectNATS(cfg.NATS, componentLogger(logger, "nats"))
		if err != nil {
			return err
		}
		defer p.Close()
		publisher = p
		logger.Info().Str("url", cfg.NATS.URL).Str("prefix", p.prefix).Msg("publishing pings to nats")
	}

	var geocoder *GeocodingService
	if cfg.Geocoder.Enabled {
		geocoder = NewGeocodingService(db, cfg.Geocoder, componentLogger(logger, "geocoder"))
	}

	classifier := NewClassifier(cfg.Status, SystemClock)
	board := NewLiveBoard(db, classifier, cfg.Spread, cfg.Live.ActiveWithin, componentLogger(logger, "live"))
	server := NewServer(cfg, db, board, geocoder, publisher, classifier, loc, componentLogger(logger, "http"))

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runLiveRefresh(gctx, board, cfg.Live.RefreshInterval, componentLogger(logger, "cron"))
	})

	g.Go(func() error {
		logger.Info().Str("addr", cfg.Listen).Str("timezone", loc.String()).Msg("starting server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info().Msg("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// runLiveRefresh refreshes the live board once, then on every interval until
// ctx is done. Overlapping ticks are skipped.
func runLiveRefresh(ctx context.Context, board *LiveBoard, interval time.Duration, logger zerolog.Logger) error {
	cl := cronLogger{logger}
	scheduler := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	refresh := func() {
		if err := board.Refresh(ctx); err != nil && !errors.Is(err, ErrRefreshInFlight) && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("scheduled live refresh failed")
		}
	}

	if _, err := scheduler.AddFunc("@every "+interval.String(), refresh); err != nil {
		return fmt.Errorf("error scheduling live refresh: %w", err)
	}

	refresh()
	scheduler.Start()

	<-ctx.Done()
	<-scheduler.Stop().Done()
	// Ends SSE and WebSocket streams so the HTTP server can drain
	board.Close()
	return nil
}

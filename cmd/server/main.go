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

	"github.com/rs/zerolog"

	"github.com/driftlane/cloakd/internal/api"
	"github.com/driftlane/cloakd/internal/cache"
	"github.com/driftlane/cloakd/internal/config"
	"github.com/driftlane/cloakd/internal/database"
	"github.com/driftlane/cloakd/internal/detection"
	"github.com/driftlane/cloakd/internal/engine"
	"github.com/driftlane/cloakd/internal/events"
	"github.com/driftlane/cloakd/internal/fingerprint"
	"github.com/driftlane/cloakd/internal/geo"
	"github.com/driftlane/cloakd/internal/ratelimit"
	"github.com/driftlane/cloakd/internal/rules"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg = config.Default()
	}

	log := newLogger(cfg.Log)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	c, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	defer c.Close()

	resolver, err := geo.NewResolver(cfg.Geo, c, cfg.Cache.GeoTTL, log)
	if err != nil {
		return fmt.Errorf("init geo resolver: %w", err)
	}
	defer resolver.Close()

	fps := fingerprint.NewStore(db, log)
	analyzer := fingerprint.NewAnalyzer(db)

	bots := detection.NewBotMatcher(db, log)
	intel := detection.NewNetIntel(db, nil, cfg.Detection.TorMaxAge, log)
	go intel.RunRefresher(ctx, cfg.Detection.RefreshInterval)

	detector := detection.NewDetector(cfg.Detection, resolver, fps, bots, intel, log)
	evaluator := rules.NewEvaluator(db, log)
	limiter := ratelimit.New(db, cfg.RateLimit, log)
	tokens := engine.NewTokens(cfg.Token)
	notifier := events.NewNotifier(cfg.Events, log)

	eng := engine.New(db, c, detector, evaluator, limiter, tokens, notifier, cfg.Cache.DecisionTTL, log)
	server := api.NewServer(eng, fps, analyzer, tokens, log)

	// Hourly window cleanup
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Prune()
			}
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

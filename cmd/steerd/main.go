package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/steerproxy/steer/internal/admin"
	"github.com/steerproxy/steer/internal/cache"
	cfg "github.com/steerproxy/steer/internal/config"
	"github.com/steerproxy/steer/internal/engine"
	"github.com/steerproxy/steer/internal/forward"
	"github.com/steerproxy/steer/internal/metrics"
)

func main() {
	configPath := flag.String("config", "./steerd.yaml", "path to YAML config")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	c, err := cfg.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, c.Cache)
	if err != nil {
		log.Fatal().Err(err).Msg("cache")
	}

	m := metrics.New()
	m.ObservePools(c.Pools)

	eng, err := engine.New(c, store, forward.NewDefaultManager(), m, log)
	if err != nil {
		log.Fatal().Err(err).Msg("engine")
	}
	go eng.Run(ctx)

	srv := &http.Server{
		Addr:              c.Listen,
		Handler:           eng,
		ReadTimeout:       c.Timeouts.Read,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      c.Timeouts.Write,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		log.Info().
			Str("listen", c.Listen).
			Int("routes", len(c.Routes)).
			Int("pools", len(c.Pools)).
			Msg("steerd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	var adminSrv *http.Server
	if c.AdminListen != "" {
		adminSrv = &http.Server{
			Addr:    c.AdminListen,
			Handler: admin.Handler(eng, store, m),
		}
		go func() {
			log.Info().Str("listen", c.AdminListen).Msg("admin listening")
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("admin listen")
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if adminSrv != nil {
		_ = adminSrv.Shutdown(shutdownCtx)
	}
}

// buildStore wires the configured cache backend and its expiry sweeper.
func buildStore(ctx context.Context, cc cfg.CacheConfig) (cache.Provider, error) {
	switch cc.Backend {
	case "off":
		return nil, nil
	case "sqlite":
		s, err := cache.NewSQLite(cc.Path)
		if err != nil {
			return nil, err
		}
		go s.Run(ctx, cc.SweepInterval)
		return s, nil
	default:
		m := cache.NewMemory(cc.MaxEntries, cc.MaxBytes)
		go m.Run(ctx, cc.SweepInterval)
		return m, nil
	}
}

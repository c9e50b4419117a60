// SPDX-License-Identifier: MIT
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

	"golang.org/x/sync/errgroup"

	"github.com/runfeed/runfeed/internal/api"
	"github.com/runfeed/runfeed/internal/config"
	"github.com/runfeed/runfeed/internal/hub"
	rflog "github.com/runfeed/runfeed/internal/log"
	"github.com/runfeed/runfeed/internal/presence"
	"github.com/runfeed/runfeed/internal/provider"
	"github.com/runfeed/runfeed/internal/runnerstore"
	"github.com/runfeed/runfeed/internal/syncer"
)

var (
	version   = "v0.4.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	rflog.Configure(rflog.Config{Service: "runfeed"})
	logger := rflog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(rflog.FieldEvent, "config.load_failed").
			Str("config_path", *configPath).
			Msg("failed to load configuration")
	}

	logger.Info().
		Str(rflog.FieldEvent, "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("addr", cfg.ListenAddr).
		Msg("starting runfeed")

	// Coordination store. A missing or unreachable Redis degrades the hub to
	// local-only membership, it never blocks startup.
	var store presence.Store
	if cfg.RedisURL != "" {
		redisStore, err := presence.NewRedisStore(cfg.RedisURL, rflog.WithComponent("presence"))
		if err != nil {
			logger.Warn().
				Err(err).
				Str(rflog.FieldEvent, "presence.redis_unavailable").
				Msg("coordination store not configured, continuing local-only")
		} else {
			store = redisStore
		}
	} else {
		logger.Info().Msg("no redis url configured, running local-only")
	}

	runners, err := runnerstore.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("db_path", cfg.DBPath).
			Msg("failed to open runner mirror")
	}
	defer runners.Close()

	h := hub.New(hub.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		ConnectionTTL:     cfg.ConnectionTTL,
		QueueTTL:          cfg.QueueTTL,
		QueueMaxLen:       cfg.QueueMaxLen,
	}, store)

	engine := syncer.New(syncer.Options{
		ActiveCacheTTL:   cfg.ActiveCacheTTL,
		InactiveCacheTTL: cfg.InactiveCacheTTL,
		HotWindow:        cfg.HotWindow,
		ColdGrace:        cfg.ColdGrace,
		MinInterval:      cfg.MinSyncInterval,
		MaxInterval:      cfg.MaxSyncInterval,
		StartInterval:    cfg.StartInterval,
		HourlyCallLimit:  cfg.HourlyCallLimit,
		ThrottleFraction: cfg.ThrottleFraction,
	},
		provider.NewHTTPClient(cfg.ProviderBaseURL),
		provider.StaticTokenSource{Token: cfg.ProviderToken},
		runners,
		store,
	)

	srv := api.New(api.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		WebhookSecret:     cfg.WebhookSecret,
	}, h, engine, runners, api.NewHeaderResolver())

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		h.Run(ctx)
		return nil
	})

	g.Go(func() error {
		engine.Run(ctx)
		return nil
	})

	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("daemon failed")
	}

	logger.Info().Msg("server exiting")
}

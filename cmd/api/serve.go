package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"checklist/api/internal/announce"
	"checklist/api/internal/app"
	"checklist/api/internal/config"
	"checklist/api/internal/hub"
	"checklist/api/internal/relay"
	"checklist/api/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the REST API and the live-sync hub",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

func serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	initTelemetry(ctx, cfg, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutdownCtx)
	}()

	db, dataStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	h := hub.New(logger.WithPrefix("hub"))
	ws := hub.NewServer(h, cfg.HubSendBuffer, cfg.CORSOrigin, logger.WithPrefix("ws"))

	var (
		publisher app.Publisher = h
		rl        *relay.Relay
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		rl, err = relay.New(cfg.RedisURL, h, logger.WithPrefix("relay"))
		if err != nil {
			return err
		}
		defer rl.Close()
		rl.WithStats(func() relay.InstanceStats {
			stats := h.Stats()
			return relay.InstanceStats{Connections: stats.Connections, Groups: stats.Groups}
		})
		go func() {
			if err := rl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("relay stopped", "err", err)
			}
		}()
		publisher = rl
		logger.Info("relaying hub events through redis", "instance", rl.InstanceID())
	} else {
		logger.Info("running single-node hub")
	}

	searchService, meiliClient := newSearch(db, cfg, logger)
	defer searchService.Close()
	if meiliClient != nil {
		go searchService.ReindexAllFromPG(ctx)
	}

	service := app.New(cfg, dataStore, publisher, searchService, logger.WithPrefix("app"))
	if rl != nil {
		announcements, err := announce.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer announcements.Close()
		service.SetAnnouncementStore(announcements)
	}
	go service.RunReconciler(ctx, cfg.ReconcileInterval)

	httpServer := app.NewHTTPServer(service, ws, h, cfg.CORSOrigin, logger.WithPrefix("http"))
	if rl != nil {
		httpServer.AddReadinessCheck("redis", rl.Ping)
		httpServer.SetCluster(rl.Instances)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("checklist api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "err", err)
	}
	return nil
}

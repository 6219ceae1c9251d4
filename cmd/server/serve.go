package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbot/internal/api"
	"github.com/shehryarbajwa/browserbot/internal/ratelimit"
	"github.com/shehryarbajwa/browserbot/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP action server and the scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	logger := a.logger

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(cfg.RateLimit.RequestsPerHour, cfg.RateLimit.Burst)
		logger.Info("Rate limiter initialized",
			zap.Int("requests_per_hour", cfg.RateLimit.RequestsPerHour),
			zap.Int("burst", cfg.RateLimit.Burst))
	}

	tasks := scheduler.NewTasks(a.store, a.profiles, a.hub)
	sched := scheduler.New(a.store, a.chats, a.hub, cfg.Scheduler, logger)
	if cfg.Scheduler.Enabled {
		if err := sched.Start(); err != nil {
			_ = a.close(context.Background())
			return err
		}
	}

	server := api.NewServer(api.Deps{
		Actions:  a.executor,
		Sessions: a.sessions,
		Profiles: a.profiles,
		Tasks:    tasks,
		Chats:    a.chats,
		Logs:     a.store,
		Events:   a.hub,
		Limiter:  limiter,
		MaxBody:  cfg.Server.MaxBodyBytes,

		ChatTimeout: cfg.Agent.Timeout,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err = <-serveErr:
		logger.Error("Server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// HTTP first so nothing new reaches the browser, then the scheduler,
	// then the browser itself.
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("HTTP server forced to shutdown", zap.Error(shutdownErr))
	}
	if stopErr := sched.Stop(shutdownCtx); stopErr != nil {
		logger.Warn("Scheduler did not stop cleanly", zap.Error(stopErr))
	}
	if closeErr := a.close(shutdownCtx); closeErr != nil {
		logger.Warn("Shutdown incomplete", zap.Error(closeErr))
	}
	logger.Info("Server stopped cleanly")
	return err
}

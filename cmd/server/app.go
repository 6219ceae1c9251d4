package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbot/internal/action"
	"github.com/shehryarbajwa/browserbot/internal/agent"
	"github.com/shehryarbajwa/browserbot/internal/api"
	"github.com/shehryarbajwa/browserbot/internal/browser"
	"github.com/shehryarbajwa/browserbot/internal/config"
	"github.com/shehryarbajwa/browserbot/internal/events"
	"github.com/shehryarbajwa/browserbot/internal/llm"
	"github.com/shehryarbajwa/browserbot/internal/observability"
	"github.com/shehryarbajwa/browserbot/internal/profile"
	"github.com/shehryarbajwa/browserbot/internal/session"
	"github.com/shehryarbajwa/browserbot/internal/store"
)

// app holds every long-lived component of the process.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *store.Store
	profiles *profile.Manager
	hub      *events.Hub
	docker   *browser.DockerLauncher
	sessions *session.Manager
	executor *action.Executor
	chats    *agent.Conversations

	// dispatcher is the executor, or a remote backend when agent.backend is set.
	dispatcher agent.Dispatcher
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: observability.GetLogger()}
	ok := false
	defer func() {
		if !ok {
			a.close(context.Background())
		}
	}()

	s, err := store.Open(ctx, cfg.Storage.Database)
	if err != nil {
		return nil, err
	}
	a.store = s
	a.logger.Info("Store opened", zap.String("path", cfg.Storage.Database))

	a.profiles, err = profile.NewManager(s, cfg.Storage.DataDir, cfg.Storage.DownloadsDir)
	if err != nil {
		return nil, err
	}
	a.hub = events.NewHub(observability.Named("events"))

	launcher, err := a.launcher(ctx)
	if err != nil {
		return nil, err
	}
	a.sessions = session.NewManager(launcher, a.profiles, a.hub, cfg.Actions.ScreenshotQuality, observability.GetLogger())

	recorder := action.NewRecorder(s, a.hub, a.logger)
	a.executor = action.NewExecutor(a.sessions, a.profiles, recorder, cfg.Actions, a.logger)
	a.dispatcher = a.executor
	if cfg.Agent.Backend != "" {
		a.dispatcher = api.NewClient(cfg.Agent.Backend, cfg.Server.WriteTimeout)
		a.logger.Info("Agent tools go to a remote backend", zap.String("backend", cfg.Agent.Backend))
	}

	model, err := llm.New(cfg.Agent, a.logger)
	if err != nil {
		return nil, err
	}
	loop := agent.NewLoop(model, cfg.Agent.SystemPrompt, cfg.Agent.MaxRoundTrips, a.logger)
	a.chats = agent.NewConversations(loop, s, a.profiles, a.dispatcher, a.hub, cfg.Agent.Timeout, a.logger)

	ok = true
	return a, nil
}

func (a *app) launcher(ctx context.Context) (browser.Launcher, error) {
	switch a.cfg.Browser.Launcher {
	case "docker":
		d, err := browser.NewDockerLauncher(a.cfg.Browser, a.logger)
		if err != nil {
			return nil, err
		}
		a.docker = d
		if a.cfg.Browser.Docker.PullImage {
			a.logger.Info("Ensuring browser image is available", zap.String("image", a.cfg.Browser.Docker.Image))
			if err := d.EnsureImage(ctx); err != nil {
				return nil, err
			}
		}
		return d, nil
	case "local":
		return browser.NewLocalLauncher(a.cfg.Browser, a.logger), nil
	default:
		return nil, fmt.Errorf("unknown launcher %q", a.cfg.Browser.Launcher)
	}
}

// close releases everything in reverse order of creation. The browser is
// closed before the store so no action outlives its log.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.sessions != nil {
		if err := a.sessions.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("browser shutdown: %w", err))
		}
	}
	if a.docker != nil {
		errs = append(errs, a.docker.Close())
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

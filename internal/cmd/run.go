package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/specflow/specflow/internal/api"
	"github.com/specflow/specflow/internal/api/handlers"
	"github.com/specflow/specflow/internal/batch"
	"github.com/specflow/specflow/internal/config"
	"github.com/specflow/specflow/internal/watcher"
)

// shutdownTimeout bounds how long running batches get to settle on exit.
const shutdownTimeout = 30 * time.Second

// StartService runs the API server until SIGINT/SIGTERM. When configPath is set the file
// is watched and retry and batch settings are applied without a restart.
func StartService(cfg *config.Config, configPath string) error {
	svc, err := newServices(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if found, errLoad := svc.loadPersistedToken(ctx); errLoad != nil {
		log.WithError(errLoad).Warn("failed to load persisted jira token")
	} else if !found {
		log.Info("no jira token stored yet; authorize via /oauth/jira/authorize or -login")
	}

	handlerOpts := []handlers.Option{handlers.WithAPIKeys(svc.apiKeys)}
	if cfg.Jira.APIRedirectURI != "" {
		handlerOpts = append(handlerOpts, handlers.WithRedirectURI(cfg.Jira.APIRedirectURI))
	}
	handler := handlers.NewHandler(svc.oauth, svc.tokens, svc.coordinator, batch.NewRegistry(), handlerOpts...)
	server := api.NewServer(cfg, handler)

	if configPath != "" {
		w, errWatch := startWatcher(ctx, svc, configPath)
		if errWatch != nil {
			log.WithError(errWatch).Warn("config hot reload disabled")
		} else {
			defer func() { _ = w.Stop() }()
		}
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	select {
	case err = <-serveErr:
		return err
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err = server.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func startWatcher(ctx context.Context, svc *services, configPath string) (*watcher.Watcher, error) {
	w, err := watcher.NewWatcher(configPath, svc.applyConfig)
	if err != nil {
		return nil, err
	}
	w.SetConfig(svc.cfg)
	if _, path := svc.tokenLocation(); path != "" {
		w.WatchTokenFile(path, func(string) { svc.syncPersistedToken(ctx) })
	}
	if err = w.Start(ctx); err != nil {
		_ = w.Stop()
		return nil, err
	}
	return w, nil
}

// Package cmd implements the command modes of the binary: interactive login, one-shot
// ticket creation from a drafts file, and the long-running API server.
package cmd

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/specflow/specflow/internal/access"
	"github.com/specflow/specflow/internal/auth/jira"
	"github.com/specflow/specflow/internal/batch"
	"github.com/specflow/specflow/internal/config"
	"github.com/specflow/specflow/internal/logging"
	"github.com/specflow/specflow/internal/store"
	"github.com/specflow/specflow/internal/tracker"
	"github.com/specflow/specflow/internal/util"
)

// services bundles the long-lived components built from one configuration.
type services struct {
	cfg         *config.Config
	persister   store.TokenPersister
	oauth       *jira.OAuthHandler
	tokens      *jira.TokenStore
	client      *tracker.Client
	coordinator *batch.Coordinator
	apiKeys     *access.KeyProvider
}

// newServices wires persistence, OAuth, the tracker client and the coordinator. The
// OAuth handler is nil when no client credentials are configured.
func newServices(cfg *config.Config) (*services, error) {
	persister, err := store.New(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	s := &services{cfg: cfg, persister: persister, apiKeys: access.NewKeyProvider(cfg.APIKeys)}

	storeOpts := []jira.StoreOption{
		jira.WithPersister(persister),
		jira.WithSafetyMargin(cfg.Jira.SafetyMargin()),
	}
	if cfg.OAuthConfigured() {
		s.oauth = jira.NewOAuthHandler(cfg.Jira, util.NewHTTPClient(&cfg.SDKConfig, cfg.Jira.RequestTimeout()))
		s.tokens = jira.NewTokenStore(s.oauth, storeOpts...)
	} else {
		log.Warn("jira client-id/client-secret not configured; authorization and refresh are unavailable")
		s.tokens = jira.NewTokenStore(nil, storeOpts...)
	}

	s.client = tracker.NewClient(cfg.Jira.BaseURL, s.tokens,
		tracker.WithHTTPClient(util.NewHTTPClient(&cfg.SDKConfig, 0)),
		tracker.WithSiteURL(cfg.Jira.SiteURL),
		tracker.WithRequestTimeout(cfg.Jira.RequestTimeout()),
		tracker.WithRetryPolicy(retryPolicy(cfg)),
		tracker.WithIssueDetails(cfg.Jira.FetchIssueDetails),
	)
	coordOpts := []batch.Option{
		batch.WithConcurrency(cfg.Batch.Concurrency),
		batch.WithDeadline(cfg.Batch.Deadline()),
	}
	if !cfg.Batch.SkipProjectCheck {
		coordOpts = append(coordOpts, batch.WithProjectLookup(s.client))
	}
	s.coordinator = batch.NewCoordinator(s.tokens, s.client, coordOpts...)
	return s, nil
}

func retryPolicy(cfg *config.Config) tracker.RetryPolicy {
	return tracker.RetryPolicy{
		BaseDelay:   cfg.Retry.BaseDelay(),
		MaxDelay:    cfg.Retry.MaxDelay(),
		MaxAttempts: cfg.Retry.MaxAttempts,
	}
}

// loadPersistedToken adopts the stored token set, if any. Missing tokens are not an error.
func (s *services) loadPersistedToken(ctx context.Context) (bool, error) {
	ts, err := s.persister.LoadTokenSet(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNoToken) {
			return false, nil
		}
		return false, fmt.Errorf("load persisted token: %w", err)
	}
	if cur := s.tokens.Current(); cur != nil && cur.AccessToken == ts.AccessToken {
		return true, nil
	}
	s.tokens.Set(ctx, ts)
	return true, nil
}

// syncPersistedToken follows external changes to the token file: a new token is adopted
// and a removed one (a logout from another process) is forgotten.
func (s *services) syncPersistedToken(ctx context.Context) {
	found, err := s.loadPersistedToken(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to reload jira token from disk")
		return
	}
	if !found {
		if s.tokens.Current() != nil {
			s.tokens.Forget()
			log.Info("jira token removed from disk, authorization required")
		}
		return
	}
	log.Info("jira token reloaded from disk")
}

// tokenLocation describes where the persister keeps the token for log output. path is
// set only for backends backed by a local file.
func (s *services) tokenLocation() (location, path string) {
	switch p := s.persister.(type) {
	case *store.FileTokenStore:
		return p.Path(), p.Path()
	case *store.GitTokenStore:
		return p.Path(), p.Path()
	case *store.ObjectTokenStore:
		return s.cfg.ObjectStore.Bucket + "/" + p.Key(), ""
	default:
		return "", ""
	}
}

// applyConfig pushes hot-reloadable settings into the running components.
func (s *services) applyConfig(cfg *config.Config) {
	policy := retryPolicy(cfg)
	s.client.SetRetryPolicy(policy)
	s.coordinator.SetConcurrency(cfg.Batch.Concurrency)
	s.coordinator.SetDeadline(cfg.Batch.Deadline())
	s.apiKeys.SetKeys(cfg.APIKeys)
	if err := logging.ConfigureLogOutput(cfg); err != nil {
		log.WithError(err).Warn("failed to reconfigure log output")
	}
	applied := s.client.RetryPolicy()
	log.Infof("applied reloaded settings: retry base=%s max=%s attempts=%d, batch concurrency=%d",
		applied.BaseDelay, applied.MaxDelay, applied.MaxAttempts, cfg.Batch.Concurrency)
	s.cfg = cfg
}

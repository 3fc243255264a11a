// Package handlers implements the HTTP surface of the tracker bridge: the browser side of
// the OAuth authorization and the batch endpoints.
package handlers

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/specflow/specflow/internal/access"
	"github.com/specflow/specflow/internal/auth/jira"
	"github.com/specflow/specflow/internal/batch"
	"github.com/specflow/specflow/internal/wsrelay"
)

// callbackPath is where the provider redirects after consent.
const callbackPath = "/oauth/jira/callback"

// Handler holds the services shared by every route.
type Handler struct {
	oauth       *jira.OAuthHandler
	tokens      *jira.TokenStore
	coordinator *batch.Coordinator
	registry    *batch.Registry
	relay       *wsrelay.Manager
	keys        *access.KeyProvider

	// redirectURI overrides the callback URL derived from the request host.
	redirectURI string

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// Option customises a Handler.
type Option func(*Handler)

// WithRedirectURI pins the OAuth redirect URI instead of deriving it per request.
func WithRedirectURI(uri string) Option {
	return func(h *Handler) { h.redirectURI = uri }
}

// WithAPIKeys requires one of the provider's keys on the /v1 routes.
func WithAPIKeys(keys *access.KeyProvider) Option {
	return func(h *Handler) { h.keys = keys }
}

// NewHandler wires the route handlers. oauth may be nil when no client is configured, in
// which case the OAuth routes answer 503.
func NewHandler(oauth *jira.OAuthHandler, tokens *jira.TokenStore, coordinator *batch.Coordinator, registry *batch.Registry, opts ...Option) *Handler {
	ctx, stop := context.WithCancel(context.Background())
	h := &Handler{
		oauth:       oauth,
		tokens:      tokens,
		coordinator: coordinator,
		registry:    registry,
		relay: wsrelay.NewManager(wsrelay.Options{
			OnConnected: func(id, batchID string) {
				log.WithField("batch_id", batchID).Debugf("progress stream %s connected", id)
			},
			LogDebugf: log.Debugf,
			LogWarnf:  log.Warnf,
		}),
		baseCtx: ctx,
		stop:    stop,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register attaches every route to engine.
func (h *Handler) Register(engine *gin.Engine) {
	engine.GET("/healthz", h.Health)

	oauth := engine.Group("/oauth/jira")
	oauth.GET("/authorize", h.Authorize)
	oauth.GET("/callback", h.Callback)
	oauth.GET("/status", h.TokenStatus)
	if h.keys != nil {
		oauth.DELETE("/token", access.Middleware(h.keys), h.Logout)
	} else {
		oauth.DELETE("/token", h.Logout)
	}

	v1 := engine.Group("/v1")
	if h.keys != nil {
		v1.Use(access.Middleware(h.keys))
	}
	v1.GET("/batches", h.ListBatches)
	v1.POST("/batches", h.CreateBatch)
	v1.GET("/batches/:id", h.GetBatch)
	v1.GET("/batches/:id/events", h.StreamBatch)
	v1.POST("/batches/:id/execute", h.ExecuteBatch)
	v1.POST("/batches/:id/cancel", h.CancelBatch)
	v1.POST("/batches/:id/retry", h.RetryBatch)
}

// Health answers liveness checks.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Close cancels running batches, waits for their executions to wind down or ctx to end,
// and disconnects progress streams.
func (h *Handler) Close(ctx context.Context) error {
	defer func() { _ = h.relay.Stop(ctx) }()
	for _, report := range h.registry.List() {
		if b, err := h.registry.Get(report.ID); err == nil && b.Running() {
			b.Cancel()
		}
	}
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	defer h.stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		log.Warn("shutdown interrupted while batches were still finishing")
		return ctx.Err()
	}
}

func errorJSON(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"status": "error", "error": message})
}

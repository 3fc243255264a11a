package jira

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/specflow/specflow/internal/config"
	"golang.org/x/oauth2"
)

// OAuthHandler drives the PKCE authorization-code exchange and the refresh grant.
// It owns the pending OAuthSessions; it never holds the current TokenSet, which
// belongs to the TokenStore.
type OAuthHandler struct {
	cfg        config.JiraConfig
	httpClient *http.Client
	sessions   *sessionStore
	sessionTTL time.Duration
	now        func() time.Time
}

// HandlerOption customises an OAuthHandler.
type HandlerOption func(*OAuthHandler)

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *OAuthHandler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewOAuthHandler creates a handler for the configured client registration.
// httpClient carries proxy settings; nil uses http.DefaultClient.
func NewOAuthHandler(cfg config.JiraConfig, httpClient *http.Client, opts ...HandlerOption) *OAuthHandler {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	ttl := cfg.SessionTTL()
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	h := &OAuthHandler{
		cfg:        cfg,
		httpClient: httpClient,
		sessions:   newSessionStore(),
		sessionTTL: ttl,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	log.WithField("client_id", cfg.ClientID).Debugf("jira oauth handler ready (scopes: %s)", strings.Join(cfg.Scopes, " "))
	return h
}

func (h *OAuthHandler) oauth2Config(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     h.cfg.ClientID,
		ClientSecret: h.cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   h.cfg.AuthorizeURL,
			TokenURL:  h.cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: redirectURI,
		Scopes:      h.cfg.Scopes,
	}
}

func (h *OAuthHandler) clientContext(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, oauth2.HTTPClient, h.httpClient)
}

// BeginAuthorization creates a fresh single-use session and returns the provider
// authorization URL carrying the S256 code challenge and state. An empty redirectURI
// falls back to the configured one.
func (h *OAuthHandler) BeginAuthorization(redirectURI string) (string, error) {
	if strings.TrimSpace(redirectURI) == "" {
		redirectURI = h.cfg.RedirectURI
	}
	if redirectURI == "" {
		return "", fmt.Errorf("jira oauth: redirect uri is required")
	}
	pkceCodes, err := GeneratePKCECodes()
	if err != nil {
		return "", fmt.Errorf("jira oauth: pkce generation failed: %w", err)
	}
	state, err := GenerateState()
	if err != nil {
		return "", fmt.Errorf("jira oauth: state generation failed: %w", err)
	}

	now := h.now()
	h.sessions.put(&OAuthSession{
		State:         state,
		CodeVerifier:  pkceCodes.CodeVerifier,
		CodeChallenge: pkceCodes.CodeChallenge,
		RedirectURI:   redirectURI,
		CreatedAt:     now,
		ExpiresAt:     now.Add(h.sessionTTL),
	}, now)

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", pkceCodes.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("prompt", "consent"),
	}
	if h.cfg.Audience != "" {
		opts = append(opts, oauth2.SetAuthURLParam("audience", h.cfg.Audience))
	}
	authURL := h.oauth2Config(redirectURI).AuthCodeURL(state, opts...)
	log.WithField("redirect_uri", redirectURI).Info("generated jira authorization url")
	return authURL, nil
}

// CompleteAuthorization consumes the session for state and exchanges code plus the
// session's code verifier for a token set.
func (h *OAuthHandler) CompleteAuthorization(ctx context.Context, state, code string) (*TokenSet, error) {
	session, ok := h.sessions.take(strings.TrimSpace(state), h.now())
	if !ok {
		log.Warn("jira oauth callback with unknown or expired state")
		return nil, NewAuthError(ErrInvalidState, nil)
	}
	if strings.TrimSpace(code) == "" {
		return nil, NewAuthError(ErrExchangeFailed, fmt.Errorf("authorization code is empty"))
	}

	conf := h.oauth2Config(session.RedirectURI)
	tok, err := conf.Exchange(h.clientContext(ctx), code, oauth2.VerifierOption(session.CodeVerifier))
	if err != nil {
		cause := describeRetrieveError(err)
		log.WithError(cause).Error("jira token exchange failed")
		return nil, NewAuthError(ErrExchangeFailed, cause)
	}
	ts := tokenSetFromOAuth2(tok, "", h.now())
	log.Infof("jira authorization completed, token expires at %s", ts.ExpiresAt.Format(time.RFC3339))
	return ts, nil
}

// Refresh exchanges the refresh token of current for a new token set. A rejected or
// missing refresh token yields ErrReauthRequired; callers must not retry it silently.
func (h *OAuthHandler) Refresh(ctx context.Context, current *TokenSet) (*TokenSet, error) {
	if current == nil || strings.TrimSpace(current.RefreshToken) == "" {
		return nil, NewAuthError(ErrReauthRequired, fmt.Errorf("no refresh token available"))
	}

	conf := h.oauth2Config(h.cfg.RedirectURI)
	// An empty access token forces the token source to run the refresh grant.
	src := conf.TokenSource(h.clientContext(ctx), &oauth2.Token{RefreshToken: current.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		cause := describeRetrieveError(err)
		if isRefreshRejected(err) {
			log.WithError(cause).Warn("jira refresh token rejected; re-authorization required")
			return nil, NewAuthError(ErrReauthRequired, cause)
		}
		log.WithError(cause).Error("jira token refresh failed")
		return nil, NewAuthError(ErrExchangeFailed, cause)
	}
	ts := tokenSetFromOAuth2(tok, current.RefreshToken, h.now())
	log.Debugf("jira access token refreshed, expires at %s", ts.ExpiresAt.Format(time.RFC3339))
	return ts, nil
}

// PendingSessions reports how many authorizations are awaiting a callback.
func (h *OAuthHandler) PendingSessions() int {
	return h.sessions.len()
}

// isRefreshRejected reports whether the provider refused the refresh token itself, as
// opposed to a transport or server failure.
func isRefreshRejected(err error) bool {
	var rErr *oauth2.RetrieveError
	if !errors.As(err, &rErr) {
		return false
	}
	switch rErr.ErrorCode {
	case "invalid_grant", "unauthorized_client", "invalid_client":
		return true
	}
	desc := strings.ToLower(rErr.ErrorDescription)
	if strings.Contains(desc, "expired") || strings.Contains(desc, "invalid") {
		return true
	}
	if rErr.Response != nil {
		switch rErr.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return true
		}
	}
	return false
}

// describeRetrieveError condenses provider error bodies so secrets echoed back never
// reach the logs verbatim.
func describeRetrieveError(err error) error {
	var rErr *oauth2.RetrieveError
	if !errors.As(err, &rErr) {
		return err
	}
	status := 0
	if rErr.Response != nil {
		status = rErr.Response.StatusCode
	}
	if rErr.ErrorCode != "" {
		if rErr.ErrorDescription != "" {
			return fmt.Errorf("token endpoint returned %d %s: %s", status, rErr.ErrorCode, rErr.ErrorDescription)
		}
		return fmt.Errorf("token endpoint returned %d %s", status, rErr.ErrorCode)
	}
	return fmt.Errorf("token endpoint returned status %d", status)
}

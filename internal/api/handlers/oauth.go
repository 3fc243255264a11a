package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/specflow/specflow/internal/auth/jira"
	"github.com/specflow/specflow/internal/logging"
)

// Authorize starts an authorization and redirects the browser to the consent page.
// With ?redirect=false the URL is returned as JSON instead.
func (h *Handler) Authorize(c *gin.Context) {
	if h.oauth == nil {
		errorJSON(c, http.StatusServiceUnavailable, "jira oauth client is not configured")
		return
	}
	authURL, err := h.oauth.BeginAuthorization(h.callbackURI(c))
	if err != nil {
		log.WithError(err).Error("failed to start jira authorization")
		errorJSON(c, http.StatusInternalServerError, "failed to start authorization")
		return
	}
	if strings.EqualFold(c.Query("redirect"), "false") {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "url": authURL})
		return
	}
	c.Redirect(http.StatusFound, authURL)
}

// Callback completes the authorization: it redeems the state, exchanges the code and
// adopts the resulting token set.
func (h *Handler) Callback(c *gin.Context) {
	if h.oauth == nil {
		errorJSON(c, http.StatusServiceUnavailable, "jira oauth client is not configured")
		return
	}
	logging.SkipRequestLog(c)
	log.Info("jira oauth callback received")

	if providerErr := strings.TrimSpace(c.Query("error")); providerErr != "" {
		log.Warnf("jira authorization denied: %s", providerErr)
		c.Data(http.StatusBadRequest, "text/html; charset=utf-8", []byte(jira.RenderCallbackPage(false, "The authorization server returned: "+providerErr)))
		return
	}

	ts, err := h.oauth.CompleteAuthorization(c.Request.Context(), c.Query("state"), c.Query("code"))
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, jira.ErrInvalidState) {
			status = http.StatusBadRequest
		}
		c.Data(status, "text/html; charset=utf-8", []byte(jira.RenderCallbackPage(false, jira.UserFriendlyMessage(err))))
		return
	}
	h.tokens.Set(c.Request.Context(), ts)
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(jira.RenderCallbackPage(true, "")))
}

// TokenStatus reports whether a token set is held and when it expires. Token values are
// never returned.
func (h *Handler) TokenStatus(c *gin.Context) {
	ts := h.tokens.Current()
	if ts == nil {
		c.JSON(http.StatusOK, gin.H{"authorized": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authorized":        true,
		"expires_at":        ts.ExpiresAt.Format(time.RFC3339),
		"has_refresh_token": ts.RefreshToken != "",
		"scope":             ts.Scope,
	})
}

// Logout forgets the token set and deletes the persisted copy. Batches started afterwards
// fail with auth_error until the next authorization.
func (h *Handler) Logout(c *gin.Context) {
	if err := h.tokens.Clear(c.Request.Context()); err != nil {
		log.WithError(err).Error("failed to delete persisted jira token")
		errorJSON(c, http.StatusInternalServerError, "token cleared from memory but could not be deleted from storage")
		return
	}
	log.Info("jira token cleared")
	c.JSON(http.StatusOK, gin.H{"status": "ok", "authorized": false})
}

func (h *Handler) callbackURI(c *gin.Context) string {
	if h.redirectURI != "" {
		return h.redirectURI
	}
	scheme := "http"
	if c.Request.TLS != nil || strings.EqualFold(c.GetHeader("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host + callbackPath
}

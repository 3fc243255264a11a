// Package access guards the batch API with static API keys from the configuration.
// When no keys are configured every request is let through.
package access

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// AuthErrorCode classifies authentication failures.
type AuthErrorCode string

const (
	AuthErrorCodeNoCredentials     AuthErrorCode = "no_credentials"
	AuthErrorCodeInvalidCredential AuthErrorCode = "invalid_credential"
)

// AuthError carries authentication failure details and HTTP status.
type AuthError struct {
	Code       AuthErrorCode
	Message    string
	StatusCode int
}

func (e *AuthError) Error() string {
	if e == nil {
		return ""
	}
	message := strings.TrimSpace(e.Message)
	if message == "" {
		message = "authentication error"
	}
	return message
}

// NewNoCredentialsError reports a request without any API key.
func NewNoCredentialsError() *AuthError {
	return &AuthError{Code: AuthErrorCodeNoCredentials, Message: "Missing API key", StatusCode: http.StatusUnauthorized}
}

// NewInvalidCredentialError reports a request whose key is not configured.
func NewInvalidCredentialError() *AuthError {
	return &AuthError{Code: AuthErrorCodeInvalidCredential, Message: "Invalid API key", StatusCode: http.StatusUnauthorized}
}

// Result describes an authenticated request.
type Result struct {
	// Source names where the key was found: authorization, x-api-key or query-key.
	Source string
}

// KeyProvider checks requests against the configured key set. Keys can be replaced while
// requests are being served.
type KeyProvider struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

// NewKeyProvider builds a provider for keys.
func NewKeyProvider(keys []string) *KeyProvider {
	p := &KeyProvider{}
	p.SetKeys(keys)
	return p
}

// SetKeys replaces the key set. Blank and duplicate keys are ignored.
func (p *KeyProvider) SetKeys(keys []string) {
	keySet := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if trimmed := strings.TrimSpace(key); trimmed != "" {
			keySet[trimmed] = struct{}{}
		}
	}
	p.mu.Lock()
	p.keys = keySet
	p.mu.Unlock()
}

// Enabled reports whether any key is configured.
func (p *KeyProvider) Enabled() bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.keys) > 0
}

// Authenticate looks for a key in the Authorization bearer header, X-Api-Key, or the
// key query parameter, in that order.
func (p *KeyProvider) Authenticate(r *http.Request) (*Result, *AuthError) {
	authHeader := r.Header.Get("Authorization")
	apiKeyHeader := r.Header.Get("X-Api-Key")
	queryKey := ""
	if r.URL != nil {
		queryKey = r.URL.Query().Get("key")
	}
	if authHeader == "" && apiKeyHeader == "" && queryKey == "" {
		return nil, NewNoCredentialsError()
	}

	candidates := []struct {
		value  string
		source string
	}{
		{extractBearerToken(authHeader), "authorization"},
		{apiKeyHeader, "x-api-key"},
		{queryKey, "query-key"},
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, candidate := range candidates {
		if candidate.value == "" {
			continue
		}
		if _, ok := p.keys[candidate.value]; ok {
			return &Result{Source: candidate.source}, nil
		}
	}
	return nil, NewInvalidCredentialError()
}

// Middleware rejects unauthenticated requests with 401 while keys are configured.
func Middleware(p *KeyProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !p.Enabled() {
			c.Next()
			return
		}
		result, authErr := p.Authenticate(c.Request)
		if authErr != nil {
			log.WithField("code", authErr.Code).Debugf("rejected %s %s", c.Request.Method, c.Request.URL.Path)
			c.AbortWithStatusJSON(authErr.StatusCode, gin.H{"status": "error", "error": authErr.Error()})
			return
		}
		c.Set("accessSource", result.Source)
		c.Next()
	}
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return header
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return header
	}
	return strings.TrimSpace(parts[1])
}

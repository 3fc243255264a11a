package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/specflow/specflow/internal/auth/jira"
	"github.com/tidwall/gjson"
)

const (
	createIssuePath       = "/rest/api/2/issue"
	defaultRequestTimeout = 30 * time.Second
	maxErrorBodyPreview   = 300
)

type outcomeClass int

const (
	outcomeSuccess outcomeClass = iota
	outcomeUnauthorized
	outcomeTransient
	outcomePermanent
)

// attemptOutcome is the classified result of a single request.
type attemptOutcome struct {
	class      outcomeClass
	status     int
	body       []byte
	message    string
	retryAfter time.Duration
	hasRetry   bool
}

// Client creates issues in Jira. It is safe for concurrent use.
type Client struct {
	baseURL        string
	siteURL        string
	httpClient     *http.Client
	tokens         TokenProvider
	requestTimeout time.Duration
	fetchDetails   bool

	mu     sync.RWMutex
	policy RetryPolicy

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(time.Duration) time.Duration
	now    func() time.Time
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client, e.g. one carrying proxy settings.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithSiteURL sets the root used for browse links when it differs from the API root.
func WithSiteURL(siteURL string) ClientOption {
	return func(c *Client) {
		if s := strings.TrimRight(strings.TrimSpace(siteURL), "/"); s != "" {
			c.siteURL = s
		}
	}
}

// WithRequestTimeout bounds every individual request.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithIssueDetails makes CreateIssue read the created issue back and report its status.
func WithIssueDetails(enabled bool) ClientOption {
	return func(c *Client) { c.fetchDetails = enabled }
}

// WithRetryPolicy sets the initial retry policy.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) { c.policy = p.normalized() }
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithJitter replaces the jitter source, mainly for tests.
func WithJitter(jitter func(time.Duration) time.Duration) ClientOption {
	return func(c *Client) {
		if jitter != nil {
			c.jitter = jitter
		}
	}
}

// NewClient creates a client for the REST API rooted at baseURL.
func NewClient(baseURL string, tokens TokenProvider, opts ...ClientOption) *Client {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	c := &Client{
		baseURL:        base,
		siteURL:        base,
		httpClient:     http.DefaultClient,
		tokens:         tokens,
		requestTimeout: defaultRequestTimeout,
		policy:         DefaultRetryPolicy(),
		sleep:          sleepContext,
		jitter:         FullJitter,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetRetryPolicy swaps the policy used by subsequent calls.
func (c *Client) SetRetryPolicy(p RetryPolicy) {
	c.mu.Lock()
	c.policy = p.normalized()
	c.mu.Unlock()
}

// RetryPolicy returns the active policy.
func (c *Client) RetryPolicy() RetryPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

// IssueURL returns the browse link for key.
func (c *Client) IssueURL(key string) string {
	if c.siteURL == "" || key == "" {
		return ""
	}
	return c.siteURL + "/browse/" + key
}

// request is one REST call replayed under the retry and refresh policy.
type request struct {
	method string
	path   string
	body   []byte
}

// callResult is the final outcome of a request. kind is empty on success.
type callResult struct {
	out      attemptOutcome
	attempts int
	kind     ErrorKind
	message  string
	err      error
}

// CreateIssue creates one issue and never returns a Go error: every outcome, including
// exhausted retries and authorization failures, is a TicketResult.
//
// A 401 triggers one forced token refresh and a single replay that does not count
// against the transient retry budget. 429, 5xx, timeouts, and network failures are
// retried with full-jitter backoff; other 4xx responses are permanent.
func (c *Client) CreateIssue(ctx context.Context, payload *Payload) TicketResult {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := log.WithField("external_id", payload.ExternalID)
	r := c.call(ctx, request{method: http.MethodPost, path: createIssuePath, body: payload.Body()}, logger)

	result := TicketResult{ExternalID: payload.ExternalID, Attempts: r.attempts, StatusCode: r.out.status}
	if r.kind != "" {
		result.ErrorKind = r.kind
		result.Message = r.message
		if r.kind == ErrorKindPermanent {
			logger.WithFields(log.Fields{"status": r.out.status, "error": r.message}).Warn("issue rejected")
		}
		return result
	}

	key := gjson.GetBytes(r.out.body, "key").String()
	if key == "" {
		result.ErrorKind = ErrorKindPermanent
		result.Message = "tracker response did not include an issue key"
		return result
	}
	result.Success = true
	result.TicketKey = key
	result.IssueID = gjson.GetBytes(r.out.body, "id").String()
	result.URL = c.IssueURL(key)
	logger.WithFields(log.Fields{"ticket_key": key, "attempt": result.Attempts}).Info("issue created")

	if c.fetchDetails {
		issue, err := c.GetIssue(ctx, key)
		if err != nil {
			logger.WithField("ticket_key", key).WithError(err).Warn("failed to fetch created issue details")
		} else {
			result.IssueStatus = issue.Status
		}
	}
	return result
}

// call runs req until it succeeds, fails permanently, or exhausts the retry budget.
func (c *Client) call(ctx context.Context, req request, logger *log.Entry) callResult {
	policy := c.RetryPolicy()
	var r callResult
	refreshed := false
	transientTries := 0
	for transientTries < policy.MaxAttempts {
		token, err := c.tokens.GetValidToken(ctx)
		if err != nil {
			return r.authFailure(err)
		}

		r.attempts++
		r.out = c.attempt(ctx, token, req)

		switch r.out.class {
		case outcomeSuccess:
			return r

		case outcomeUnauthorized:
			if refreshed {
				logger.Warn("tracker rejected the refreshed token")
				return r.authFailure(jira.NewAuthError(jira.ErrReauthRequired, errors.New("tracker rejected the refreshed access token")))
			}
			refreshed = true
			logger.Info("tracker rejected access token, forcing refresh")
			if _, err = c.tokens.ForceRefresh(ctx, token); err != nil {
				return r.authFailure(err)
			}
			continue

		case outcomePermanent:
			r.kind = ErrorKindPermanent
			r.message = r.out.message
			return r
		}

		transientTries++
		if transientTries >= policy.MaxAttempts {
			break
		}
		delay := policy.Backoff(transientTries-1, c.jitter)
		if r.out.hasRetry {
			delay = r.out.retryAfter
		}
		logger.WithFields(log.Fields{
			"attempt": r.attempts,
			"status":  r.out.status,
			"delay":   delay,
			"error":   r.out.message,
		}).Warn("transient tracker failure, backing off")
		if errSleep := c.sleep(ctx, delay); errSleep != nil {
			r.kind = contextKind(errSleep)
			r.message = fmt.Sprintf("retry abandoned: %v", errSleep)
			r.err = errSleep
			return r
		}
	}

	r.kind = ErrorKindTransient
	r.message = fmt.Sprintf("giving up after %d attempts: %s", transientTries, r.out.message)
	logger.WithFields(log.Fields{
		"attempt": r.attempts,
		"method":  req.method,
		"path":    req.path,
		"status":  r.out.status,
		"error":   r.out.message,
	}).Error("tracker retries exhausted")
	return r
}

// attempt sends one request bounded by the per-request timeout.
func (c *Client) attempt(ctx context.Context, token *jira.TokenSet, r request) attemptOutcome {
	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var reader io.Reader
	if r.body != nil {
		reader = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(reqCtx, r.method, c.baseURL+r.path, reader)
	if err != nil {
		return attemptOutcome{class: outcomePermanent, message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Authorization", token.AuthorizationHeader())
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept-Encoding", acceptEncoding)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return attemptOutcome{class: outcomeTransient, message: fmt.Sprintf("request timed out after %s", c.requestTimeout)}
		}
		return attemptOutcome{class: outcomeTransient, message: fmt.Sprintf("request failed: %v", err)}
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.WithError(errClose).Debug("failed to close tracker response body")
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return attemptOutcome{class: outcomeTransient, status: resp.StatusCode, message: fmt.Sprintf("read response: %v", err)}
	}
	body, err := decodeBody(resp.Header.Get("Content-Encoding"), raw)
	if err != nil {
		log.WithError(err).Warn("failed to decode tracker response")
		body = raw
	}

	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		return attemptOutcome{class: outcomeSuccess, status: status, body: body}
	case status == http.StatusUnauthorized:
		return attemptOutcome{class: outcomeUnauthorized, status: status, message: FormatErrorBody(status, body)}
	case status == http.StatusTooManyRequests || status >= 500:
		out := attemptOutcome{class: outcomeTransient, status: status, message: FormatErrorBody(status, body)}
		out.retryAfter, out.hasRetry = ParseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		return out
	default:
		return attemptOutcome{class: outcomePermanent, status: status, message: FormatErrorBody(status, body)}
	}
}

// FormatErrorBody renders a Jira error body: errorMessages joined with "; " followed by
// sorted "field: message" pairs. Unstructured bodies fall back to a trimmed preview.
func FormatErrorBody(status int, body []byte) string {
	var parts []string
	if gjson.ValidBytes(body) {
		for _, msg := range gjson.GetBytes(body, "errorMessages").Array() {
			if s := strings.TrimSpace(msg.String()); s != "" {
				parts = append(parts, s)
			}
		}
		fields := gjson.GetBytes(body, "errors").Map()
		names := make([]string, 0, len(fields))
		for name := range fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s: %s", name, fields[name].String()))
		}
	}
	if len(parts) > 0 {
		return fmt.Sprintf("HTTP %d: %s", status, strings.Join(parts, "; "))
	}
	preview := strings.TrimSpace(string(body))
	if preview == "" {
		return fmt.Sprintf("HTTP %d %s", status, http.StatusText(status))
	}
	if len(preview) > maxErrorBodyPreview {
		preview = preview[:maxErrorBodyPreview] + "..."
	}
	return fmt.Sprintf("HTTP %d: %s", status, preview)
}

func (r callResult) authFailure(err error) callResult {
	r.kind = ErrorKindAuth
	r.message = err.Error()
	r.err = err
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		r.kind = contextKind(err)
	}
	return r
}

func contextKind(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimedOut
	}
	return ErrorKindCancelled
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

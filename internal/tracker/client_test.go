package tracker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/specflow/specflow/internal/auth/jira"
	"github.com/tidwall/gjson"
)

type staticTokens struct {
	mu       sync.Mutex
	token    *jira.TokenSet
	next     *jira.TokenSet
	err      error
	forced   int
	forceErr error
}

func (s *staticTokens) GetValidToken(context.Context) (*jira.TokenSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.token.Clone(), nil
}

func (s *staticTokens) ForceRefresh(context.Context, *jira.TokenSet) (*jira.TokenSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced++
	if s.forceErr != nil {
		return nil, s.forceErr
	}
	if s.next != nil {
		s.token = s.next
	}
	return s.token.Clone(), nil
}

func newTokens(access string) *staticTokens {
	return &staticTokens{token: &jira.TokenSet{AccessToken: access, ExpiresAt: time.Now().Add(time.Hour)}}
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return nil
}

func testPayload(t *testing.T) *Payload {
	t.Helper()
	p, err := ToPayload(TicketDraft{ExternalID: "ext-1", ProjectKey: "PROJ", Title: "Login page", IssueType: "story"})
	if err != nil {
		t.Fatalf("ToPayload() error = %v", err)
	}
	return p
}

func newTestClient(srv *httptest.Server, tokens TokenProvider, sleeper *sleepRecorder, opts ...ClientOption) *Client {
	base := []ClientOption{
		WithHTTPClient(srv.Client()),
		WithSleep(sleeper.sleep),
		WithJitter(func(d time.Duration) time.Duration { return d }),
		WithRetryPolicy(RetryPolicy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 5}),
	}
	return NewClient(srv.URL, tokens, append(base, opts...)...)
}

func TestCreateIssueSuccess(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"10001","key":"PROJ-1","self":"x"}`))
	}))
	defer srv.Close()

	client := newTestClient(srv, newTokens("at-1"), &sleepRecorder{}, WithSiteURL("https://example.atlassian.net/"))
	result := client.CreateIssue(context.Background(), testPayload(t))

	if !result.Success || result.TicketKey != "PROJ-1" {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.URL != "https://example.atlassian.net/browse/PROJ-1" {
		t.Fatalf("URL = %q", result.URL)
	}
	if result.Attempts != 1 || result.ExternalID != "ext-1" {
		t.Fatalf("attempts = %d, external id = %q", result.Attempts, result.ExternalID)
	}
	if gotAuth != "Bearer at-1" {
		t.Fatalf("Authorization = %q, want Bearer at-1", gotAuth)
	}
	if gotPath != "/rest/api/2/issue" {
		t.Fatalf("path = %q", gotPath)
	}
	if gjson.GetBytes(gotBody, "fields.summary").String() != "Login page" {
		t.Fatalf("request body = %s", gotBody)
	}
}

func TestCreateIssuePermanentFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errorMessages":["Bad request"],"errors":{"summary":"Summary is required","issuetype":"invalid"}}`))
	}))
	defer srv.Close()

	sleeper := &sleepRecorder{}
	result := newTestClient(srv, newTokens("at"), sleeper).CreateIssue(context.Background(), testPayload(t))

	if result.Success || result.ErrorKind != ErrorKindPermanent {
		t.Fatalf("unexpected result %+v", result)
	}
	if hits.Load() != 1 || len(sleeper.delays) != 0 {
		t.Fatalf("permanent failure was retried: hits=%d sleeps=%d", hits.Load(), len(sleeper.delays))
	}
	want := "HTTP 400: Bad request; issuetype: invalid; summary: Summary is required"
	if result.Message != want {
		t.Fatalf("Message = %q, want %q", result.Message, want)
	}
	if result.StatusCode != http.StatusBadRequest {
		t.Fatalf("StatusCode = %d", result.StatusCode)
	}
}

func TestCreateIssueTransientExhaustion(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sleeper := &sleepRecorder{}
	policy := RetryPolicy{BaseDelay: time.Second, MaxDelay: 3 * time.Second, MaxAttempts: 4}
	result := newTestClient(srv, newTokens("at"), sleeper, WithRetryPolicy(policy)).CreateIssue(context.Background(), testPayload(t))

	if result.ErrorKind != ErrorKindTransient {
		t.Fatalf("ErrorKind = %q, want transient", result.ErrorKind)
	}
	if hits.Load() != 4 || result.Attempts != 4 {
		t.Fatalf("hits = %d attempts = %d, want 4", hits.Load(), result.Attempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	if len(sleeper.delays) != len(want) {
		t.Fatalf("sleeps = %v, want %v", sleeper.delays, want)
	}
	for i, d := range sleeper.delays {
		if d != want[i] {
			t.Fatalf("sleep %d = %v, want %v", i, d, want[i])
		}
	}
}

func TestCreateIssueHonoursRetryAfter(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"key":"PROJ-9"}`))
	}))
	defer srv.Close()

	sleeper := &sleepRecorder{}
	result := newTestClient(srv, newTokens("at"), sleeper).CreateIssue(context.Background(), testPayload(t))

	if !result.Success || result.Attempts != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(sleeper.delays) != 1 || sleeper.delays[0] != 7*time.Second {
		t.Fatalf("sleeps = %v, want [7s]", sleeper.delays)
	}
}

func TestCreateIssueRefreshesOnUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"key":"PROJ-2"}`))
	}))
	defer srv.Close()

	tokens := newTokens("stale")
	tokens.next = &jira.TokenSet{AccessToken: "fresh", ExpiresAt: time.Now().Add(time.Hour)}
	sleeper := &sleepRecorder{}
	policy := RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Second, MaxAttempts: 1}
	result := newTestClient(srv, tokens, sleeper, WithRetryPolicy(policy)).CreateIssue(context.Background(), testPayload(t))

	if !result.Success || result.TicketKey != "PROJ-2" {
		t.Fatalf("unexpected result %+v", result)
	}
	if tokens.forced != 1 {
		t.Fatalf("ForceRefresh calls = %d, want 1", tokens.forced)
	}
	if result.Attempts != 2 || len(sleeper.delays) != 0 {
		t.Fatalf("attempts = %d sleeps = %v", result.Attempts, sleeper.delays)
	}
}

func TestCreateIssueSecondUnauthorizedIsTerminal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := newTokens("stale")
	tokens.next = &jira.TokenSet{AccessToken: "fresh", ExpiresAt: time.Now().Add(time.Hour)}
	result := newTestClient(srv, tokens, &sleepRecorder{}).CreateIssue(context.Background(), testPayload(t))

	if result.ErrorKind != ErrorKindAuth {
		t.Fatalf("ErrorKind = %q, want auth_error", result.ErrorKind)
	}
	if hits.Load() != 2 || tokens.forced != 1 {
		t.Fatalf("hits = %d forced = %d, want 2 and 1", hits.Load(), tokens.forced)
	}
	if !strings.Contains(result.Message, string(jira.KindReauthRequired)) {
		t.Fatalf("Message = %q, want reauth kind", result.Message)
	}
}

func TestCreateIssueTokenUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("tracker contacted without a token")
	}))
	defer srv.Close()

	tokens := &staticTokens{err: jira.NewAuthError(jira.ErrReauthRequired, errors.New("revoked"))}
	result := newTestClient(srv, tokens, &sleepRecorder{}).CreateIssue(context.Background(), testPayload(t))
	if result.ErrorKind != ErrorKindAuth || result.Attempts != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestCreateIssueRequestTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	sleeper := &sleepRecorder{}
	policy := RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 2}
	client := newTestClient(srv, newTokens("at"), sleeper, WithRetryPolicy(policy), WithRequestTimeout(50*time.Millisecond))
	result := client.CreateIssue(context.Background(), testPayload(t))

	if result.ErrorKind != ErrorKindTransient || result.Attempts != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	if !strings.Contains(result.Message, "timed out") {
		t.Fatalf("Message = %q, want timeout", result.Message)
	}
}

func TestCreateIssueDecodesCompressedResponses(t *testing.T) {
	encode := map[string]func([]byte) []byte{
		"gzip": func(b []byte) []byte {
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			_, _ = zw.Write(b)
			_ = zw.Close()
			return buf.Bytes()
		},
		"br": func(b []byte) []byte {
			var buf bytes.Buffer
			bw := brotli.NewWriter(&buf)
			_, _ = bw.Write(b)
			_ = bw.Close()
			return buf.Bytes()
		},
	}
	for name, fn := range encode {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if !strings.Contains(r.Header.Get("Accept-Encoding"), name) {
					t.Errorf("Accept-Encoding = %q, missing %s", r.Header.Get("Accept-Encoding"), name)
				}
				w.Header().Set("Content-Encoding", name)
				w.WriteHeader(http.StatusCreated)
				_, _ = w.Write(fn([]byte(`{"key":"PROJ-77"}`)))
			}))
			defer srv.Close()

			result := newTestClient(srv, newTokens("at"), &sleepRecorder{}).CreateIssue(context.Background(), testPayload(t))
			if result.TicketKey != "PROJ-77" {
				t.Fatalf("unexpected result %+v", result)
			}
		})
	}
}

func TestSetRetryPolicyNormalizes(t *testing.T) {
	client := NewClient("http://example.invalid", newTokens("at"))
	client.SetRetryPolicy(RetryPolicy{BaseDelay: 2 * time.Second, MaxDelay: time.Second})
	got := client.RetryPolicy()
	if got.MaxDelay != 2*time.Second || got.MaxAttempts != DefaultMaxAttempts {
		t.Fatalf("RetryPolicy() = %+v", got)
	}
}

func TestFormatErrorBody(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"messages only", 400, `{"errorMessages":["one","two"]}`, "HTTP 400: one; two"},
		{"fields only", 400, `{"errorMessages":[],"errors":{"project":"missing"}}`, "HTTP 400: project: missing"},
		{"plain text", 404, `not here`, "HTTP 404: not here"},
		{"empty", 503, ``, "HTTP 503 Service Unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatErrorBody(tt.status, []byte(tt.body)); got != tt.want {
				t.Fatalf("FormatErrorBody() = %q, want %q", got, tt.want)
			}
		})
	}
}

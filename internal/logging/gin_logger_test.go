package logging

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

func TestRecoveryRepanicsErrAbortHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	engine := gin.New()
	engine.Use(Recovery())
	engine.GET("/abort", func(c *gin.Context) {
		panic(http.ErrAbortHandler)
	})

	defer func() {
		if recovered := recover(); recovered != http.ErrAbortHandler {
			t.Fatalf("recovered = %v, want http.ErrAbortHandler", recovered)
		}
	}()
	engine.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/abort", nil))
}

func TestRecoveryAnswers500(t *testing.T) {
	gin.SetMode(gin.TestMode)

	engine := gin.New()
	engine.Use(Recovery())
	engine.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})

	recorder := httptest.NewRecorder()
	engine.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/panic", nil))
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", recorder.Code)
	}
}

func TestRequestLoggerTagsAPIRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var seen string
	engine := gin.New()
	engine.Use(RequestLogger())
	engine.GET("/v1/batches/:id", func(c *gin.Context) {
		seen = RequestID(c.Request.Context())
		c.Status(http.StatusOK)
	})
	engine.GET("/healthz", func(c *gin.Context) {
		if id := RequestID(c.Request.Context()); id != "" {
			t.Errorf("health check got request id %q", id)
		}
		c.Status(http.StatusOK)
	})

	recorder := httptest.NewRecorder()
	engine.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/batches/abc", nil))
	if len(seen) != 8 {
		t.Fatalf("request id = %q, want 8 hex chars", seen)
	}
	if recorder.Header().Get("X-Request-ID") != seen {
		t.Fatalf("X-Request-ID = %q, want %q", recorder.Header().Get("X-Request-ID"), seen)
	}

	recorder = httptest.NewRecorder()
	engine.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Header().Get("X-Request-ID") != "" {
		t.Fatalf("health check carries a request id")
	}
}

func TestRequestLoggerEntry(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hook := logtest.NewGlobal()
	t.Cleanup(func() { log.StandardLogger().ReplaceHooks(make(log.LevelHooks)) })

	engine := gin.New()
	engine.Use(RequestLogger())
	engine.GET("/v1/batches/:id", func(c *gin.Context) {
		c.Status(http.StatusNotFound)
	})
	engine.GET("/oauth/jira/callback", func(c *gin.Context) {
		SkipRequestLog(c)
		c.Status(http.StatusOK)
	})

	engine.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/batches/missing?key=sk-secret", nil))
	engine.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/oauth/jira/callback?code=c", nil))

	entries := hook.AllEntries()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	entry := entries[0]
	if entry.Level != log.WarnLevel || entry.Data["status"] != http.StatusNotFound {
		t.Fatalf("entry level = %s status = %v", entry.Level, entry.Data["status"])
	}
	if entry.Data["request_id"] == nil {
		t.Fatalf("entry has no request id: %v", entry.Data)
	}
	if want := "GET /v1/batches/missing?key=sk-s...cret"; entry.Message != want {
		t.Fatalf("message = %q, want %q", entry.Message, want)
	}
}

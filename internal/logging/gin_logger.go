// Package logging wires logrus as the process logger: a compact line formatter, optional
// rotating file output, and Gin middleware for request logging and panic recovery.
package logging

import (
	"errors"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/specflow/specflow/internal/util"
)

const skipRequestLogKey = "specflow.skip_request_log"

// taggedPrefixes are the routes that get a request ID.
var taggedPrefixes = []string{"/v1/", "/oauth/"}

// RequestLogger logs one entry per request after the handler ran. Requests under
// taggedPrefixes get a request ID in their context and the X-Request-ID header.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		id := ""
		if hasTaggedPrefix(path) {
			id = newRequestID()
			c.Request = c.Request.WithContext(WithRequestID(c.Request.Context(), id))
			c.Header("X-Request-ID", id)
		}

		c.Next()

		if skip, _ := c.Get(skipRequestLogKey); skip == true {
			return
		}
		if q := util.MaskSensitiveQuery(c.Request.URL.RawQuery); q != "" {
			path += "?" + q
		}

		status := c.Writer.Status()
		fields := log.Fields{
			"status":     status,
			"latency_ms": time.Since(start).Milliseconds(),
			"client":     c.ClientIP(),
		}
		if id != "" {
			fields["request_id"] = id
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			fields["error"] = strings.TrimSpace(errs)
		}
		entry := log.WithFields(fields)
		msg := c.Request.Method + " " + path

		switch {
		case status >= http.StatusInternalServerError:
			entry.Error(msg)
		case status >= http.StatusBadRequest:
			entry.Warn(msg)
		default:
			entry.Info(msg)
		}
	}
}

func hasTaggedPrefix(path string) bool {
	for _, prefix := range taggedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Recovery turns a handler panic into a logged 500. http.ErrAbortHandler is re-raised so
// net/http can drop the connection.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		if err, ok := recovered.(error); ok && errors.Is(err, http.ErrAbortHandler) {
			panic(http.ErrAbortHandler)
		}
		FromContext(c.Request.Context()).WithFields(log.Fields{
			"panic": recovered,
			"path":  c.Request.URL.Path,
			"stack": string(debug.Stack()),
		}).Error("handler panicked")
		c.AbortWithStatus(http.StatusInternalServerError)
	})
}

// SkipRequestLog suppresses the RequestLogger entry for c, for routes that log
// themselves or carry secrets in the URL.
func SkipRequestLog(c *gin.Context) {
	if c != nil {
		c.Set(skipRequestLogKey, true)
	}
}

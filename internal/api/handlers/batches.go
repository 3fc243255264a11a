package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/specflow/specflow/internal/auth/jira"
	"github.com/specflow/specflow/internal/batch"
	"github.com/specflow/specflow/internal/logging"
	"github.com/specflow/specflow/internal/tracker"
)

type createBatchRequest struct {
	ProjectKey string                `json:"project_key"`
	Drafts     []tracker.TicketDraft `json:"drafts"`
}

// ListBatches returns every known batch, newest first.
func (h *Handler) ListBatches(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"batches": h.registry.List()})
}

// CreateBatch registers a PENDING batch. It does not start execution.
func (h *Handler) CreateBatch(c *gin.Context) {
	var req createBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid body")
		return
	}
	b, err := h.coordinator.CreateBatch(req.Drafts, req.ProjectKey)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	}
	h.registry.Put(b)
	logging.FromContext(c.Request.Context()).WithField("batch_id", b.ID()).Infof("batch created with %d drafts", b.Len())
	c.JSON(http.StatusCreated, b.Report())
}

// GetBatch returns the current report of one batch.
func (h *Handler) GetBatch(c *gin.Context) {
	b, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, b.Report())
}

// StreamBatch upgrades to a websocket that receives the batch report after every change
// and a final "done" message once the batch settles.
func (h *Handler) StreamBatch(c *gin.Context) {
	b, ok := h.lookup(c)
	if !ok {
		return
	}
	logging.SkipRequestLog(c)
	h.relay.Serve(c.Writer, c.Request, b)
}

// ExecuteBatch starts execution in the background and answers 202 with the current
// report. With ?wait=true the request blocks until the batch is terminal.
func (h *Handler) ExecuteBatch(c *gin.Context) {
	b, ok := h.lookup(c)
	if !ok {
		return
	}
	if b.State().Terminal() {
		c.JSON(http.StatusOK, b.Report())
		return
	}
	if b.Running() {
		errorJSON(c, http.StatusConflict, batch.ErrAlreadyRunning.Error())
		return
	}

	wait, _ := strconv.ParseBool(c.Query("wait"))
	if wait {
		_, err := h.coordinator.Execute(h.baseCtx, b)
		switch {
		case errors.Is(err, batch.ErrAlreadyRunning):
			errorJSON(c, http.StatusConflict, err.Error())
		case err != nil:
			c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "error": jira.UserFriendlyMessage(err), "batch": b.Report()})
		default:
			c.JSON(http.StatusOK, b.Report())
		}
		return
	}

	logger := logging.FromContext(c.Request.Context()).WithField("batch_id", b.ID())
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if _, err := h.coordinator.Execute(h.baseCtx, b); err != nil {
			logger.WithError(err).Warn("background batch execution ended early")
		}
	}()
	c.JSON(http.StatusAccepted, b.Report())
}

// CancelBatch requests cooperative cancellation.
func (h *Handler) CancelBatch(c *gin.Context) {
	b, ok := h.lookup(c)
	if !ok {
		return
	}
	b.Cancel()
	c.JSON(http.StatusAccepted, b.Report())
}

// RetryBatch creates a follow-up batch for the failed drafts of a terminal batch.
func (h *Handler) RetryBatch(c *gin.Context) {
	prev, ok := h.lookup(c)
	if !ok {
		return
	}
	next, err := h.coordinator.Retry(prev)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, batch.ErrNotTerminal) || errors.Is(err, batch.ErrNothingToRetry) {
			status = http.StatusConflict
		}
		errorJSON(c, status, err.Error())
		return
	}
	h.registry.Put(next)
	c.JSON(http.StatusCreated, next.Report())
}

func (h *Handler) lookup(c *gin.Context) (*batch.Batch, bool) {
	b, err := h.registry.Get(c.Param("id"))
	if err != nil {
		errorJSON(c, http.StatusNotFound, err.Error())
		return nil, false
	}
	return b, true
}

package batch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/specflow/specflow/internal/auth/jira"
	"github.com/specflow/specflow/internal/tracker"
	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency is the in-flight ceiling when none is configured.
const DefaultConcurrency = 5

// TokenSource yields a valid access token. *jira.TokenStore implements it.
type TokenSource interface {
	GetValidToken(ctx context.Context) (*jira.TokenSet, error)
}

// Coordinator executes batches against a tracker backend.
type Coordinator struct {
	tokens   TokenSource
	creator  tracker.IssueCreator
	projects tracker.ProjectLookup

	mu          sync.RWMutex
	concurrency int
	deadline    time.Duration

	now   func() time.Time
	newID func() string
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithConcurrency sets the in-flight ceiling.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithDeadline sets a batch-wide deadline; zero disables it.
func WithDeadline(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.deadline = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithProjectLookup resolves every target project before dispatch. Drafts aimed at a
// missing project, or at an issue type the project does not offer, fail without a create
// call. A nil lookup disables the check.
func WithProjectLookup(l tracker.ProjectLookup) Option {
	return func(c *Coordinator) { c.projects = l }
}

// NewCoordinator creates a coordinator that checks tokens through tokens and creates
// issues through creator.
func NewCoordinator(tokens TokenSource, creator tracker.IssueCreator, opts ...Option) *Coordinator {
	c := &Coordinator{
		tokens:      tokens,
		creator:     creator,
		concurrency: DefaultConcurrency,
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetConcurrency changes the ceiling for batches started afterwards.
func (c *Coordinator) SetConcurrency(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.concurrency = n
	c.mu.Unlock()
}

// SetDeadline changes the batch-wide deadline for batches started afterwards.
func (c *Coordinator) SetDeadline(d time.Duration) {
	if d < 0 {
		return
	}
	c.mu.Lock()
	c.deadline = d
	c.mu.Unlock()
}

func (c *Coordinator) limits() (int, time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.concurrency, c.deadline
}

// CreateBatch validates the drafts and returns a PENDING batch. Drafts without an
// external id get a generated one; drafts without a project inherit projectKey.
func (c *Coordinator) CreateBatch(drafts []tracker.TicketDraft, projectKey string) (*Batch, error) {
	if len(drafts) == 0 {
		return nil, ErrEmptyBatch
	}
	projectKey = strings.ToUpper(strings.TrimSpace(projectKey))
	b := &Batch{
		id:         c.newID(),
		projectKey: projectKey,
		drafts:     make([]tracker.TicketDraft, len(drafts)),
		results:    make([]*tracker.TicketResult, len(drafts)),
		state:      StatePending,
		createdAt:  c.now(),
	}
	seen := make(map[string]struct{}, len(drafts))
	for i, d := range drafts {
		d = cloneDraft(d)
		d.ExternalID = strings.TrimSpace(d.ExternalID)
		if d.ExternalID == "" {
			d.ExternalID = uuid.NewString()
		}
		if _, dup := seen[d.ExternalID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateExternalID, d.ExternalID)
		}
		seen[d.ExternalID] = struct{}{}
		if strings.TrimSpace(d.ProjectKey) == "" {
			d.ProjectKey = projectKey
		}
		b.drafts[i] = d
	}
	log.WithField("batch_id", b.id).Infof("created batch with %d drafts for project %s", len(drafts), projectKey)
	return b, nil
}

// Retry creates a PENDING follow-up batch for a finished one. Prior successes are carried
// over so executing it only re-attempts failed drafts.
func (c *Coordinator) Retry(prev *Batch) (*Batch, error) {
	snap := prev.Snapshot()
	if !snap.State.Terminal() {
		return nil, ErrNotTerminal
	}
	failed := 0
	for _, res := range snap.Results {
		if res == nil || !res.Success {
			failed++
		}
	}
	if failed == 0 {
		return nil, ErrNothingToRetry
	}
	b := &Batch{
		id:         c.newID(),
		projectKey: snap.ProjectKey,
		drafts:     snap.Drafts,
		results:    make([]*tracker.TicketResult, len(snap.Drafts)),
		state:      StatePending,
		createdAt:  c.now(),
		retryOf:    snap.ID,
	}
	for i, res := range snap.Results {
		if res != nil && res.Success {
			b.results[i] = res
		}
	}
	log.WithField("batch_id", b.id).Infof("created retry of batch %s for %d failed drafts", snap.ID, failed)
	return b, nil
}

// Execute dispatches every draft without a recorded success and returns the batch in a
// terminal state. Per-draft failures live in the results; the error is non-nil only when
// the batch could not start (ErrAlreadyRunning) or no token could be obtained up front,
// including a project lookup the tracker refused for authorization reasons.
// A batch that is already terminal is returned unchanged.
func (c *Coordinator) Execute(ctx context.Context, b *Batch) (*Batch, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	concurrency, deadline := c.limits()

	b.mu.Lock()
	if b.state.Terminal() {
		b.mu.Unlock()
		return b, nil
	}
	if b.running {
		b.mu.Unlock()
		return b, ErrAlreadyRunning
	}
	if b.state == StatePending {
		b.state, _ = b.state.transition(StateInProgress)
	}
	b.notifyLocked()
	dispatchCtx, cancel := context.WithCancelCause(ctx)
	if deadline > 0 {
		var cancelDeadline context.CancelFunc
		dispatchCtx, cancelDeadline = context.WithTimeoutCause(dispatchCtx, deadline, errDeadlineExceeded)
		defer cancelDeadline()
	}
	b.running = true
	b.cancel = cancel
	if b.cancelRequested {
		cancel(errCancelled)
	}
	b.mu.Unlock()

	defer func() {
		cancel(nil)
		b.mu.Lock()
		b.running = false
		b.cancel = nil
		b.notifyLocked()
		b.mu.Unlock()
	}()

	logger := log.WithField("batch_id", b.id)
	logger.Infof("executing batch: %d drafts, concurrency %d", len(b.drafts), concurrency)

	if _, err := c.tokens.GetValidToken(dispatchCtx); err != nil {
		if dispatchCtx.Err() != nil {
			c.markUndispatched(dispatchCtx, b, 0, nil)
			return c.finish(b, logger), nil
		}
		logger.WithError(err).Error("no valid token, aborting batch before dispatch")
		c.abort(b, err)
		return b, err
	}

	succeeded := b.succeededIDs()
	if c.projects != nil {
		rejected, err := c.checkProjects(dispatchCtx, b, succeeded, logger)
		if err != nil {
			logger.WithError(err).Error("tracker refused the project lookup, aborting batch before dispatch")
			c.abort(b, err)
			return b, err
		}
		for id := range rejected {
			succeeded[id] = struct{}{}
		}
	}
	callCtx := context.WithoutCancel(ctx)
	sem := semaphore.NewWeighted(int64(concurrency))
	var wg sync.WaitGroup

	for i, draft := range b.drafts {
		if _, done := succeeded[draft.ExternalID]; done {
			logger.WithField("external_id", draft.ExternalID).Debug("draft already settled, skipping")
			continue
		}
		if err := sem.Acquire(dispatchCtx, 1); err != nil {
			c.markUndispatched(dispatchCtx, b, i, succeeded)
			break
		}
		if dispatchCtx.Err() != nil {
			sem.Release(1)
			c.markUndispatched(dispatchCtx, b, i, succeeded)
			break
		}
		wg.Add(1)
		go func(i int, draft tracker.TicketDraft) {
			defer wg.Done()
			defer sem.Release(1)
			b.record(i, c.createOne(callCtx, draft))
		}(i, draft)
	}
	wg.Wait()

	return c.finish(b, logger), nil
}

// checkProjects looks each target project up once and records a permanent failure for
// drafts it cannot accept. It returns the external ids it rejected. An authorization
// failure is returned; other lookup failures leave the drafts to the create call.
func (c *Coordinator) checkProjects(ctx context.Context, b *Batch, succeeded map[string]struct{}, logger *log.Entry) (map[string]struct{}, error) {
	targets := make(map[string][]int)
	var order []string
	for i, d := range b.drafts {
		if _, done := succeeded[d.ExternalID]; done {
			continue
		}
		key := tracker.NormalizeProjectKey(d.ProjectKey)
		if !tracker.ValidProjectKey(key) {
			continue
		}
		if _, seen := targets[key]; !seen {
			order = append(order, key)
		}
		targets[key] = append(targets[key], i)
	}

	rejected := make(map[string]struct{})
	reject := func(i, status int, msg string) {
		r := tracker.Failed(b.drafts[i].ExternalID, tracker.ErrorKindPermanent, msg)
		r.StatusCode = status
		b.record(i, r)
		rejected[r.ExternalID] = struct{}{}
	}
	for _, key := range order {
		if ctx.Err() != nil {
			break
		}
		plog := logger.WithField("project", key)
		project, err := c.projects.GetProject(ctx, key)
		if err != nil {
			var apiErr *tracker.APIError
			switch {
			case errors.Is(err, tracker.ErrProjectNotFound):
				for _, i := range targets[key] {
					reject(i, http.StatusNotFound, err.Error())
				}
				plog.Warnf("project not found, %d drafts rejected", len(targets[key]))
			case errors.As(err, &apiErr) && apiErr.Kind == tracker.ErrorKindAuth:
				return nil, err
			default:
				plog.WithError(err).Warn("project lookup failed, dispatching without it")
			}
			continue
		}
		for _, i := range targets[key] {
			issueType := tracker.MapIssueType(b.drafts[i].IssueType)
			if !project.AcceptsIssueType(issueType) {
				reject(i, 0, fmt.Sprintf("issue type %s is not available in project %s", issueType, key))
			}
		}
	}
	return rejected, nil
}

// createOne converts and creates a single draft. Conversion failures never reach the
// network.
func (c *Coordinator) createOne(ctx context.Context, draft tracker.TicketDraft) tracker.TicketResult {
	payload, err := tracker.ToPayload(draft)
	if err != nil {
		log.WithFields(log.Fields{"external_id": draft.ExternalID, "error": err}).Warn("draft failed validation")
		return tracker.Failed(draft.ExternalID, tracker.ErrorKindPermanent, err.Error())
	}
	res := c.creator.CreateIssue(ctx, payload)
	res.ExternalID = draft.ExternalID
	return res
}

// markUndispatched synthesizes cancelled or timed-out results for drafts from index
// start on that have neither a success nor an outcome from this run.
func (c *Coordinator) markUndispatched(ctx context.Context, b *Batch, start int, succeeded map[string]struct{}) {
	kind, msg := tracker.ErrorKindCancelled, "not dispatched: batch cancelled"
	cause := context.Cause(ctx)
	if errors.Is(cause, errDeadlineExceeded) || errors.Is(cause, context.DeadlineExceeded) {
		kind, msg = tracker.ErrorKindTimedOut, "not dispatched: batch deadline exceeded"
	}
	count := 0
	b.mu.Lock()
	for i := start; i < len(b.drafts); i++ {
		id := b.drafts[i].ExternalID
		if _, done := succeeded[id]; done {
			continue
		}
		if res := b.results[i]; res != nil && res.Success {
			continue
		}
		r := tracker.Failed(id, kind, msg)
		b.results[i] = &r
		count++
	}
	b.notifyLocked()
	b.mu.Unlock()
	log.WithField("batch_id", b.id).Warnf("%d drafts not dispatched: %v", count, cause)
}

// abort fails every draft without a success when no token could be obtained.
func (c *Coordinator) abort(b *Batch, err error) {
	msg := "batch aborted: " + jira.UserFriendlyMessage(err)
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, d := range b.drafts {
		if res := b.results[i]; res != nil && res.Success {
			continue
		}
		r := tracker.Failed(d.ExternalID, tracker.ErrorKindAuth, msg)
		b.results[i] = &r
	}
	b.state, _ = b.state.transition(StateFailed)
	b.completedAt = c.now()
	b.notifyLocked()
}

// finish picks the terminal state from the recorded results.
func (c *Coordinator) finish(b *Batch, logger *log.Entry) *Batch {
	b.mu.Lock()
	succeeded, failed := 0, 0
	for i, res := range b.results {
		switch {
		case res == nil:
			// No outcome recorded for this draft.
			r := tracker.Failed(b.drafts[i].ExternalID, tracker.ErrorKindCancelled, "not dispatched")
			b.results[i] = &r
			failed++
		case res.Success:
			succeeded++
		default:
			failed++
		}
	}
	final := StatePartial
	switch {
	case failed == 0:
		final = StateComplete
	case succeeded == 0:
		final = StateFailed
	}
	b.state, _ = b.state.transition(final)
	b.completedAt = c.now()
	b.notifyLocked()
	b.mu.Unlock()

	logger.WithFields(log.Fields{"status": final}).Infof("batch finished: %d succeeded, %d failed", succeeded, failed)
	return b
}

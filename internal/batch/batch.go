package batch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/specflow/specflow/internal/tracker"
)

var (
	// ErrEmptyBatch is returned when a batch is created without drafts.
	ErrEmptyBatch = errors.New("batch: no drafts")
	// ErrDuplicateExternalID is returned when two drafts share an idempotency key.
	ErrDuplicateExternalID = errors.New("batch: duplicate external id")
	// ErrAlreadyRunning is returned when Execute is called on a batch that is executing.
	ErrAlreadyRunning = errors.New("batch: already executing")
	// ErrNotTerminal is returned when retrying a batch that has not finished.
	ErrNotTerminal = errors.New("batch: not in a terminal state")
	// ErrNothingToRetry is returned when retrying a batch without failed drafts.
	ErrNothingToRetry = errors.New("batch: no failed drafts to retry")
)

// Cancellation causes recorded on the dispatch context.
var (
	errCancelled        = errors.New("batch cancelled")
	errDeadlineExceeded = errors.New("batch deadline exceeded")
)

// Batch is an ordered set of drafts and their results. Results are filled progressively
// and always line up index for index with the drafts.
type Batch struct {
	mu          sync.RWMutex
	id          string
	projectKey  string
	drafts      []tracker.TicketDraft
	results     []*tracker.TicketResult
	state       State
	createdAt   time.Time
	completedAt time.Time
	retryOf     string

	running         bool
	cancelRequested bool
	cancel          context.CancelCauseFunc
	// changed is closed and replaced whenever a result or the state changes.
	changed chan struct{}
}

// Summary aggregates a batch's results.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	// SuccessRate is the percentage of drafts created, 0..100.
	SuccessRate float64 `json:"success_rate"`
}

// Report is the read-only view rendered by the CLI and API layers.
type Report struct {
	ID          string                 `json:"id"`
	ProjectKey  string                 `json:"project_key"`
	State       State                  `json:"state"`
	CreatedAt   time.Time              `json:"created_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	RetryOf     string                 `json:"retry_of,omitempty"`
	Results     []tracker.TicketResult `json:"results"`
	Summary     Summary                `json:"summary"`
}

// Snapshot is the serialisable form of a batch for an external store. A nil entry in
// Results means the draft has no outcome yet.
type Snapshot struct {
	ID          string                  `json:"id"`
	ProjectKey  string                  `json:"project_key"`
	State       State                   `json:"state"`
	Drafts      []tracker.TicketDraft   `json:"drafts"`
	Results     []*tracker.TicketResult `json:"results"`
	CreatedAt   time.Time               `json:"created_at"`
	CompletedAt time.Time               `json:"completed_at,omitzero"`
	RetryOf     string                  `json:"retry_of,omitempty"`
}

// ID returns the batch identifier.
func (b *Batch) ID() string { return b.id }

// ProjectKey returns the default project for drafts without one.
func (b *Batch) ProjectKey() string { return b.projectKey }

// State returns the current state.
func (b *Batch) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Running reports whether Execute is currently dispatching this batch.
func (b *Batch) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Changed returns a channel that is closed on the next progress update. Take it before
// reading the report so no update is missed.
func (b *Batch) Changed() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.changed == nil {
		b.changed = make(chan struct{})
	}
	return b.changed
}

// Settled reports whether the batch is terminal and no Execute call is running.
func (b *Batch) Settled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.Terminal() && !b.running
}

func (b *Batch) notifyLocked() {
	if b.changed != nil {
		close(b.changed)
		b.changed = nil
	}
}

// Len returns the number of drafts.
func (b *Batch) Len() int { return len(b.drafts) }

// Drafts returns a copy of the drafts in input order.
func (b *Batch) Drafts() []tracker.TicketDraft {
	out := make([]tracker.TicketDraft, len(b.drafts))
	for i, d := range b.drafts {
		out[i] = cloneDraft(d)
	}
	return out
}

// Result returns the outcome recorded for draft i, if any.
func (b *Batch) Result(i int) (tracker.TicketResult, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i < 0 || i >= len(b.results) || b.results[i] == nil {
		return tracker.TicketResult{}, false
	}
	return *b.results[i], true
}

// Cancel requests cooperative cancellation: no new drafts are dispatched, in-flight ones
// finish, and the rest are marked cancelled. Cancelling a finished batch does nothing.
func (b *Batch) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Terminal() {
		return
	}
	b.cancelRequested = true
	if b.cancel != nil {
		b.cancel(errCancelled)
	}
}

// Report renders the current view. Drafts without an outcome appear with only their
// external id and count as pending.
func (b *Batch) Report() Report {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r := Report{
		ID:         b.id,
		ProjectKey: b.projectKey,
		State:      b.state,
		CreatedAt:  b.createdAt,
		RetryOf:    b.retryOf,
		Results:    make([]tracker.TicketResult, len(b.drafts)),
	}
	if !b.completedAt.IsZero() {
		completed := b.completedAt
		r.CompletedAt = &completed
	}
	r.Summary.Total = len(b.drafts)
	for i, res := range b.results {
		switch {
		case res == nil:
			r.Results[i] = tracker.TicketResult{ExternalID: b.drafts[i].ExternalID}
			r.Summary.Pending++
		case res.Success:
			r.Results[i] = *res
			r.Summary.Succeeded++
		default:
			r.Results[i] = *res
			r.Summary.Failed++
		}
	}
	if r.Summary.Total > 0 {
		r.Summary.SuccessRate = float64(r.Summary.Succeeded) * 100 / float64(r.Summary.Total)
	}
	return r
}

// Snapshot returns a deep copy suitable for persistence.
func (b *Batch) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := Snapshot{
		ID:          b.id,
		ProjectKey:  b.projectKey,
		State:       b.state,
		Drafts:      b.Drafts(),
		Results:     make([]*tracker.TicketResult, len(b.results)),
		CreatedAt:   b.createdAt,
		CompletedAt: b.completedAt,
		RetryOf:     b.retryOf,
	}
	for i, res := range b.results {
		if res != nil {
			c := *res
			s.Results[i] = &c
		}
	}
	return s
}

// Restore rebuilds a batch from a snapshot. Executing a restored IN_PROGRESS batch
// skips every draft whose external id already succeeded.
func Restore(s Snapshot) (*Batch, error) {
	if s.ID == "" {
		return nil, fmt.Errorf("batch: snapshot has no id")
	}
	if !s.State.Valid() {
		return nil, fmt.Errorf("batch: snapshot has unknown state %q", s.State)
	}
	if len(s.Drafts) == 0 {
		return nil, ErrEmptyBatch
	}
	if s.Results != nil && len(s.Results) != len(s.Drafts) {
		return nil, fmt.Errorf("batch: snapshot has %d results for %d drafts", len(s.Results), len(s.Drafts))
	}
	b := &Batch{
		id:          s.ID,
		projectKey:  s.ProjectKey,
		drafts:      make([]tracker.TicketDraft, len(s.Drafts)),
		results:     make([]*tracker.TicketResult, len(s.Drafts)),
		state:       s.State,
		createdAt:   s.CreatedAt,
		completedAt: s.CompletedAt,
		retryOf:     s.RetryOf,
	}
	for i, d := range s.Drafts {
		b.drafts[i] = cloneDraft(d)
	}
	for i, res := range s.Results {
		if res != nil {
			c := *res
			b.results[i] = &c
		}
	}
	return b, nil
}

// record stores the outcome for draft i.
func (b *Batch) record(i int, res tracker.TicketResult) {
	b.mu.Lock()
	b.results[i] = &res
	b.notifyLocked()
	b.mu.Unlock()
}

// succeededIDs returns the external ids that already have a successful result.
func (b *Batch) succeededIDs() map[string]struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make(map[string]struct{})
	for _, res := range b.results {
		if res != nil && res.Success {
			ids[res.ExternalID] = struct{}{}
		}
	}
	return ids
}

func cloneDraft(d tracker.TicketDraft) tracker.TicketDraft {
	d.AcceptanceCriteria = slices.Clone(d.AcceptanceCriteria)
	d.Labels = slices.Clone(d.Labels)
	if d.StoryPoints != nil {
		points := *d.StoryPoints
		d.StoryPoints = &points
	}
	return d
}

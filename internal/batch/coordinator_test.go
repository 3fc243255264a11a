package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/specflow/specflow/internal/auth/jira"
	"github.com/specflow/specflow/internal/tracker"
	"github.com/tidwall/gjson"
)

type validTokens struct{ err error }

func (v validTokens) GetValidToken(context.Context) (*jira.TokenSet, error) {
	if v.err != nil {
		return nil, v.err
	}
	return &jira.TokenSet{AccessToken: "at", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (v validTokens) ForceRefresh(ctx context.Context, _ *jira.TokenSet) (*jira.TokenSet, error) {
	return v.GetValidToken(ctx)
}

type fakeCreator struct {
	mu          sync.Mutex
	calls       map[string]int
	inFlight    int
	maxInFlight int
	fn          func(ctx context.Context, p *tracker.Payload) tracker.TicketResult
}

func (f *fakeCreator) CreateIssue(ctx context.Context, p *tracker.Payload) tracker.TicketResult {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[p.ExternalID]++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()
	if f.fn != nil {
		return f.fn(ctx, p)
	}
	return tracker.TicketResult{ExternalID: p.ExternalID, Success: true, TicketKey: "PROJ-" + p.ExternalID}
}

func (f *fakeCreator) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func drafts(n int) []tracker.TicketDraft {
	out := make([]tracker.TicketDraft, n)
	for i := range out {
		out[i] = tracker.TicketDraft{ExternalID: fmt.Sprintf("d%d", i+1), Title: fmt.Sprintf("Draft %d", i+1)}
	}
	return out
}

func assertOrder(t *testing.T, b *Batch) {
	t.Helper()
	report := b.Report()
	if len(report.Results) != b.Len() {
		t.Fatalf("len(results) = %d, want %d", len(report.Results), b.Len())
	}
	for i, d := range b.Drafts() {
		if report.Results[i].ExternalID != d.ExternalID {
			t.Fatalf("result %d external id = %q, want %q", i, report.Results[i].ExternalID, d.ExternalID)
		}
	}
}

func countKinds(b *Batch) map[tracker.ErrorKind]int {
	counts := make(map[tracker.ErrorKind]int)
	for _, res := range b.Report().Results {
		if res.Success {
			counts["success"]++
			continue
		}
		counts[res.ErrorKind]++
	}
	return counts
}

// jiraStub serves the create-issue endpoint, answering by summary.
func jiraStub(t *testing.T, respond func(r *http.Request, summary string, w http.ResponseWriter)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		respond(r, gjson.GetBytes(body, "fields.summary").String(), w)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestCreateBatch(t *testing.T) {
	c := NewCoordinator(validTokens{}, &fakeCreator{})

	if _, err := c.CreateBatch(nil, "PROJ"); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("empty batch error = %v, want ErrEmptyBatch", err)
	}
	dup := []tracker.TicketDraft{{ExternalID: "a", Title: "x"}, {ExternalID: "a", Title: "y"}}
	if _, err := c.CreateBatch(dup, "PROJ"); !errors.Is(err, ErrDuplicateExternalID) {
		t.Fatalf("duplicate error = %v, want ErrDuplicateExternalID", err)
	}

	in := []tracker.TicketDraft{{Title: "no id"}, {ExternalID: "b", ProjectKey: "OTHER", Title: "own project"}}
	b, err := c.CreateBatch(in, " proj ")
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}
	if b.State() != StatePending || b.ID() == "" {
		t.Fatalf("state = %s id = %q", b.State(), b.ID())
	}
	got := b.Drafts()
	if got[0].ExternalID == "" || got[0].ProjectKey != "PROJ" {
		t.Fatalf("first draft = %+v, want generated id and inherited project", got[0])
	}
	if got[1].ProjectKey != "OTHER" {
		t.Fatalf("second draft project = %q, want OTHER", got[1].ProjectKey)
	}
	in[1].Title = "mutated"
	if b.Drafts()[1].Title != "own project" {
		t.Fatalf("batch shares draft storage with the caller")
	}
}

func TestExecutePartialBatch(t *testing.T) {
	srv := jiraStub(t, func(_ *http.Request, summary string, w http.ResponseWriter) {
		if summary == "Draft 2" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"errors":{"summary":"bad"}}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"key":"PROJ-%s"}`, strings.TrimPrefix(summary, "Draft "))
	})
	tokens := validTokens{}
	client := tracker.NewClient(srv.URL, tokens, tracker.WithHTTPClient(srv.Client()), tracker.WithSleep(noSleep))
	c := NewCoordinator(tokens, client)

	b, err := c.CreateBatch(drafts(3), "PROJ")
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}
	if _, err = c.Execute(context.Background(), b); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if b.State() != StatePartial {
		t.Fatalf("state = %s, want PARTIAL", b.State())
	}
	kinds := countKinds(b)
	if kinds["success"] != 2 || kinds[tracker.ErrorKindPermanent] != 1 {
		t.Fatalf("kinds = %v, want 2 successes and 1 permanent", kinds)
	}
	res, _ := b.Result(1)
	if res.ErrorKind != tracker.ErrorKindPermanent || res.Attempts != 1 {
		t.Fatalf("draft 2 result = %+v", res)
	}
	if first, _ := b.Result(0); first.TicketKey != "PROJ-1" {
		t.Fatalf("draft 1 key = %q", first.TicketKey)
	}
	assertOrder(t, b)
	report := b.Report()
	if report.CompletedAt == nil || report.Summary.Succeeded != 2 || report.Summary.Failed != 1 {
		t.Fatalf("summary = %+v", report.Summary)
	}
}

func TestExecuteAllTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := jiraStub(t, func(_ *http.Request, _ string, w http.ResponseWriter) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	tokens := validTokens{}
	policy := tracker.RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, MaxAttempts: 3}
	client := tracker.NewClient(srv.URL, tokens,
		tracker.WithHTTPClient(srv.Client()),
		tracker.WithSleep(noSleep),
		tracker.WithRetryPolicy(policy),
	)
	c := NewCoordinator(tokens, client)

	b, _ := c.CreateBatch(drafts(3), "PROJ")
	if _, err := c.Execute(context.Background(), b); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if b.State() != StateFailed {
		t.Fatalf("state = %s, want FAILED", b.State())
	}
	if kinds := countKinds(b); kinds[tracker.ErrorKindTransient] != 3 {
		t.Fatalf("kinds = %v, want 3 transient", kinds)
	}
	if hits.Load() != 9 {
		t.Fatalf("tracker hits = %d, want 9", hits.Load())
	}
	for i := 0; i < 3; i++ {
		if res, _ := b.Result(i); res.Attempts > policy.MaxAttempts {
			t.Fatalf("draft %d attempts = %d, want <= %d", i, res.Attempts, policy.MaxAttempts)
		}
	}
}

type countingRefresher struct {
	calls atomic.Int32
	now   func() time.Time
}

func (r *countingRefresher) Refresh(_ context.Context, current *jira.TokenSet) (*jira.TokenSet, error) {
	r.calls.Add(1)
	time.Sleep(20 * time.Millisecond)
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	return &jira.TokenSet{AccessToken: "fresh", RefreshToken: current.RefreshToken, ExpiresAt: now().Add(time.Hour)}, nil
}

func TestExecuteTokenRejectedMidBatchRefreshesOnce(t *testing.T) {
	const inFlight = 5
	var staleArrivals atomic.Int32
	allStale := make(chan struct{})
	var closeOnce sync.Once
	srv := jiraStub(t, func(r *http.Request, summary string, w http.ResponseWriter) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			if staleArrivals.Add(1) == inFlight {
				closeOnce.Do(func() { close(allStale) })
			}
			select {
			case <-allStale:
			case <-time.After(2 * time.Second):
			}
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"key":"PROJ-%s"}`, strings.TrimPrefix(summary, "Draft "))
	})

	refresher := &countingRefresher{}
	store := jira.NewTokenStore(refresher)
	store.Set(context.Background(), &jira.TokenSet{AccessToken: "stale", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour)})
	client := tracker.NewClient(srv.URL, store, tracker.WithHTTPClient(srv.Client()), tracker.WithSleep(noSleep))
	c := NewCoordinator(store, client, WithConcurrency(inFlight))

	b, _ := c.CreateBatch(drafts(inFlight), "PROJ")
	if _, err := c.Execute(context.Background(), b); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if got := refresher.calls.Load(); got != 1 {
		t.Fatalf("refresh calls = %d, want 1", got)
	}
	if b.State() != StateComplete {
		t.Fatalf("state = %s, want COMPLETE (kinds %v)", b.State(), countKinds(b))
	}
	if staleArrivals.Load() != inFlight {
		t.Fatalf("stale requests = %d, want %d", staleArrivals.Load(), inFlight)
	}
	assertOrder(t, b)
}

func TestExecuteTokenExpiresByClockRefreshesOnce(t *testing.T) {
	var now atomic.Pointer[time.Time]
	start := time.Now()
	now.Store(&start)
	clock := func() time.Time { return *now.Load() }
	refresher := &countingRefresher{now: clock}
	store := jira.NewTokenStore(refresher, jira.WithStoreClock(clock))
	store.Set(context.Background(), &jira.TokenSet{AccessToken: "old", RefreshToken: "rt", ExpiresAt: start.Add(5 * time.Minute)})

	var once sync.Once
	gate := make(chan struct{})
	var arrived atomic.Int32
	creator := &fakeCreator{}
	creator.fn = func(ctx context.Context, p *tracker.Payload) tracker.TicketResult {
		// All five drafts are in flight before the token lapses.
		if arrived.Add(1) == 5 {
			once.Do(func() {
				later := start.Add(time.Hour)
				now.Store(&later)
				close(gate)
			})
		}
		<-gate
		ts, err := store.GetValidToken(ctx)
		if err != nil {
			return tracker.Failed(p.ExternalID, tracker.ErrorKindAuth, err.Error())
		}
		if ts.AccessToken != "fresh" {
			return tracker.Failed(p.ExternalID, tracker.ErrorKindAuth, "stale token used")
		}
		return tracker.TicketResult{ExternalID: p.ExternalID, Success: true, TicketKey: "K-" + p.ExternalID}
	}
	c := NewCoordinator(store, creator, WithConcurrency(5))

	b, _ := c.CreateBatch(drafts(5), "PROJ")
	if _, err := c.Execute(context.Background(), b); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if refresher.calls.Load() != 1 {
		t.Fatalf("refresh calls = %d, want 1", refresher.calls.Load())
	}
	if b.State() != StateComplete {
		t.Fatalf("state = %s kinds = %v", b.State(), countKinds(b))
	}
}

func TestExecuteCancelStopsNewDispatches(t *testing.T) {
	started := make(chan string, 5)
	release := make(chan struct{})
	creator := &fakeCreator{fn: func(_ context.Context, p *tracker.Payload) tracker.TicketResult {
		started <- p.ExternalID
		<-release
		return tracker.TicketResult{ExternalID: p.ExternalID, Success: true, TicketKey: "K-" + p.ExternalID}
	}}
	c := NewCoordinator(validTokens{}, creator, WithConcurrency(2))
	b, _ := c.CreateBatch(drafts(5), "PROJ")

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := c.Execute(context.Background(), b); err != nil {
			t.Errorf("Execute() error = %v", err)
		}
	}()
	<-started
	<-started
	b.Cancel()
	close(release)
	<-done

	kinds := countKinds(b)
	if kinds["success"] != 2 || kinds[tracker.ErrorKindCancelled] != 3 {
		t.Fatalf("kinds = %v, want 2 successes and 3 cancelled", kinds)
	}
	if creator.totalCalls() != 2 {
		t.Fatalf("creator calls = %d, want 2", creator.totalCalls())
	}
	if b.State() != StatePartial {
		t.Fatalf("state = %s, want PARTIAL", b.State())
	}
	for i := 2; i < 5; i++ {
		if res, _ := b.Result(i); res.ErrorKind != tracker.ErrorKindCancelled {
			t.Fatalf("draft %d = %+v, want cancelled", i+1, res)
		}
	}
}

func TestExecuteDeadlineMarksTimedOut(t *testing.T) {
	creator := &fakeCreator{fn: func(_ context.Context, p *tracker.Payload) tracker.TicketResult {
		time.Sleep(150 * time.Millisecond)
		return tracker.TicketResult{ExternalID: p.ExternalID, Success: true, TicketKey: "K"}
	}}
	c := NewCoordinator(validTokens{}, creator, WithConcurrency(1), WithDeadline(40*time.Millisecond))
	b, _ := c.CreateBatch(drafts(4), "PROJ")

	if _, err := c.Execute(context.Background(), b); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	kinds := countKinds(b)
	if kinds["success"] != 1 || kinds[tracker.ErrorKindTimedOut] != 3 {
		t.Fatalf("kinds = %v, want 1 success and 3 timed out", kinds)
	}
	if b.State() != StatePartial {
		t.Fatalf("state = %s, want PARTIAL", b.State())
	}
}

func TestExecuteAbortsWithoutToken(t *testing.T) {
	creator := &fakeCreator{}
	authErr := jira.NewAuthError(jira.ErrReauthRequired, errors.New("refresh token revoked"))
	c := NewCoordinator(validTokens{err: authErr}, creator)
	b, _ := c.CreateBatch(drafts(3), "PROJ")

	_, err := c.Execute(context.Background(), b)
	if !errors.Is(err, jira.ErrReauthRequired) {
		t.Fatalf("Execute() error = %v, want ErrReauthRequired", err)
	}
	if b.State() != StateFailed {
		t.Fatalf("state = %s, want FAILED", b.State())
	}
	if creator.totalCalls() != 0 {
		t.Fatalf("drafts dispatched without a token")
	}
	for i := 0; i < 3; i++ {
		res, _ := b.Result(i)
		if res.ErrorKind != tracker.ErrorKindAuth || !strings.HasPrefix(res.Message, "batch aborted") {
			t.Fatalf("draft %d = %+v, want batch aborted auth error", i+1, res)
		}
	}
}

func TestExecuteValidationFailureSkipsNetwork(t *testing.T) {
	creator := &fakeCreator{}
	c := NewCoordinator(validTokens{}, creator)
	in := drafts(2)
	in[1].Title = "   "
	b, _ := c.CreateBatch(in, "PROJ")

	if _, err := c.Execute(context.Background(), b); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if creator.calls["d2"] != 0 {
		t.Fatalf("invalid draft reached the tracker")
	}
	res, _ := b.Result(1)
	if res.ErrorKind != tracker.ErrorKindPermanent || res.Attempts != 0 {
		t.Fatalf("invalid draft result = %+v", res)
	}
}

func TestExecuteBoundedConcurrencyAndOrder(t *testing.T) {
	creator := &fakeCreator{fn: func(_ context.Context, p *tracker.Payload) tracker.TicketResult {
		time.Sleep(time.Duration(rand.IntN(15)) * time.Millisecond)
		return tracker.TicketResult{ExternalID: p.ExternalID, Success: true, TicketKey: "K-" + p.ExternalID}
	}}
	c := NewCoordinator(validTokens{}, creator, WithConcurrency(3))
	b, _ := c.CreateBatch(drafts(20), "PROJ")

	if _, err := c.Execute(context.Background(), b); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if creator.maxInFlight > 3 {
		t.Fatalf("max in flight = %d, want <= 3", creator.maxInFlight)
	}
	assertOrder(t, b)
	for i := 0; i < b.Len(); i++ {
		res, _ := b.Result(i)
		if want := fmt.Sprintf("K-d%d", i+1); res.TicketKey != want {
			t.Fatalf("result %d key = %q, want %q", i, res.TicketKey, want)
		}
	}
}

func TestExecuteIsIdempotentAfterRestore(t *testing.T) {
	creator := &fakeCreator{}
	c := NewCoordinator(validTokens{}, creator)
	b, _ := c.CreateBatch(drafts(5), "PROJ")

	// Simulate a crash after two drafts were created.
	snap := b.Snapshot()
	snap.State = StateInProgress
	snap.Results[0] = &tracker.TicketResult{ExternalID: "d1", Success: true, TicketKey: "PROJ-1"}
	snap.Results[3] = &tracker.TicketResult{ExternalID: "d4", Success: true, TicketKey: "PROJ-4"}
	snap.Results[1] = &tracker.TicketResult{ExternalID: "d2", ErrorKind: tracker.ErrorKindTransient}

	restored, err := Restore(snap)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if _, err = c.Execute(context.Background(), restored); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if creator.calls["d1"] != 0 || creator.calls["d4"] != 0 {
		t.Fatalf("already created drafts dispatched again: %v", creator.calls)
	}
	if creator.totalCalls() != 3 {
		t.Fatalf("creator calls = %d, want 3", creator.totalCalls())
	}
	if first, _ := restored.Result(0); first.TicketKey != "PROJ-1" {
		t.Fatalf("prior success overwritten: %+v", first)
	}
	if restored.State() != StateComplete {
		t.Fatalf("state = %s, want COMPLETE", restored.State())
	}

	// Terminal batches are returned unchanged.
	if _, err = c.Execute(context.Background(), restored); err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}
	if creator.totalCalls() != 3 {
		t.Fatalf("terminal batch was re-dispatched")
	}
}

func TestRetryCarriesSuccesses(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	creator := &fakeCreator{fn: func(_ context.Context, p *tracker.Payload) tracker.TicketResult {
		if p.ExternalID == "d2" && fail.Load() {
			return tracker.TicketResult{ExternalID: p.ExternalID, ErrorKind: tracker.ErrorKindTransient, Message: "503"}
		}
		return tracker.TicketResult{ExternalID: p.ExternalID, Success: true, TicketKey: "K-" + p.ExternalID}
	}}
	c := NewCoordinator(validTokens{}, creator)
	b, _ := c.CreateBatch(drafts(3), "PROJ")
	if _, err := c.Retry(b); !errors.Is(err, ErrNotTerminal) {
		t.Fatalf("Retry(pending) error = %v, want ErrNotTerminal", err)
	}
	_, _ = c.Execute(context.Background(), b)
	if b.State() != StatePartial {
		t.Fatalf("state = %s, want PARTIAL", b.State())
	}

	fail.Store(false)
	retry, err := c.Retry(b)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if retry.State() != StatePending || retry.Report().RetryOf != b.ID() {
		t.Fatalf("retry batch = %+v", retry.Report())
	}
	_, _ = c.Execute(context.Background(), retry)
	if retry.State() != StateComplete {
		t.Fatalf("retry state = %s, want COMPLETE", retry.State())
	}
	if creator.calls["d1"] != 1 || creator.calls["d2"] != 2 || creator.calls["d3"] != 1 {
		t.Fatalf("calls = %v, want only d2 repeated", creator.calls)
	}
	if b.State() != StatePartial {
		t.Fatalf("original batch state changed to %s", b.State())
	}
	if _, err = c.Retry(retry); !errors.Is(err, ErrNothingToRetry) {
		t.Fatalf("Retry(complete) error = %v, want ErrNothingToRetry", err)
	}
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StatePending, StateInProgress, true},
		{StatePending, StateComplete, false},
		{StateInProgress, StatePartial, true},
		{StateInProgress, StatePending, false},
		{StateComplete, StateInProgress, false},
		{StateFailed, StateComplete, false},
	}
	for _, tt := range tests {
		if got := tt.from.canTransition(tt.to); got != tt.ok {
			t.Fatalf("%s -> %s allowed = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestRestoreRejectsMismatchedResults(t *testing.T) {
	snap := Snapshot{ID: "x", State: StatePending, Drafts: drafts(2), Results: make([]*tracker.TicketResult, 1)}
	if _, err := Restore(snap); err == nil {
		t.Fatalf("Restore() accepted mismatched results")
	}
}

func TestRegistry(t *testing.T) {
	c := NewCoordinator(validTokens{}, &fakeCreator{})
	r := NewRegistry()
	b, _ := c.CreateBatch(drafts(1), "PROJ")
	r.Put(b)
	got, err := r.Get(b.ID())
	if err != nil || got != b {
		t.Fatalf("Get() = %v, %v", got, err)
	}
	if _, err = r.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v", err)
	}
	if len(r.List()) != 1 {
		t.Fatalf("List() length = %d", len(r.List()))
	}
}

func TestChangedSignalsProgressUntilSettled(t *testing.T) {
	release := make(chan struct{})
	creator := &fakeCreator{fn: func(_ context.Context, p *tracker.Payload) tracker.TicketResult {
		<-release
		return tracker.TicketResult{ExternalID: p.ExternalID, Success: true, TicketKey: "PROJ-" + p.ExternalID}
	}}
	c := NewCoordinator(validTokens{}, creator, WithConcurrency(1))
	b, err := c.CreateBatch(drafts(2), "PROJ")
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	changed := b.Changed()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Execute(context.Background(), b)
	}()

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("no progress signal when execution started")
	}
	if b.Settled() {
		t.Fatal("batch settled while drafts are blocked")
	}

	close(release)
	<-done
	select {
	case <-b.Changed():
		t.Fatal("fresh channel closed without further progress")
	default:
	}
	if !b.Settled() {
		t.Fatalf("batch not settled after Execute returned, state %s", b.State())
	}
}

type fakeProjects struct {
	mu       sync.Mutex
	projects map[string]*tracker.Project
	err      error
	lookups  map[string]int
}

func (f *fakeProjects) GetProject(_ context.Context, key string) (*tracker.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookups == nil {
		f.lookups = make(map[string]int)
	}
	f.lookups[key]++
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.projects[key]
	if !ok {
		return nil, &tracker.APIError{Kind: tracker.ErrorKindPermanent, StatusCode: http.StatusNotFound,
			Message: "project " + key + " not found", Err: tracker.ErrProjectNotFound}
	}
	return p, nil
}

func TestExecuteRejectsDraftsForMissingProject(t *testing.T) {
	creator := &fakeCreator{}
	projects := &fakeProjects{projects: map[string]*tracker.Project{"PROJ": {Key: "PROJ"}}}
	c := NewCoordinator(validTokens{}, creator, WithProjectLookup(projects))
	in := drafts(3)
	in[1].ProjectKey = "gone"
	b, _ := c.CreateBatch(in, "PROJ")

	if _, err := c.Execute(context.Background(), b); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if creator.calls["d2"] != 0 || creator.totalCalls() != 2 {
		t.Fatalf("calls = %v, want d1 and d3 only", creator.calls)
	}
	res, _ := b.Result(1)
	if res.ErrorKind != tracker.ErrorKindPermanent || res.Message != "project GONE not found" || res.StatusCode != http.StatusNotFound {
		t.Fatalf("draft 2 result = %+v", res)
	}
	if projects.lookups["PROJ"] != 1 || projects.lookups["GONE"] != 1 {
		t.Fatalf("lookups = %v, want one per project", projects.lookups)
	}
	if b.State() != StatePartial {
		t.Fatalf("state = %s, want PARTIAL", b.State())
	}
	assertOrder(t, b)
}

func TestExecuteRejectsUnavailableIssueType(t *testing.T) {
	creator := &fakeCreator{}
	projects := &fakeProjects{projects: map[string]*tracker.Project{
		"PROJ": {Key: "PROJ", IssueTypes: []tracker.IssueType{{ID: "1", Name: "Task"}, {ID: "2", Name: "Story"}}},
	}}
	c := NewCoordinator(validTokens{}, creator, WithProjectLookup(projects))
	in := drafts(2)
	in[0].IssueType = "task"
	in[1].IssueType = "bug"
	b, _ := c.CreateBatch(in, "PROJ")

	if _, err := c.Execute(context.Background(), b); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if creator.calls["d1"] != 1 || creator.calls["d2"] != 0 {
		t.Fatalf("calls = %v, want d1 only", creator.calls)
	}
	res, _ := b.Result(1)
	if res.ErrorKind != tracker.ErrorKindPermanent || !strings.Contains(res.Message, "issue type Bug") {
		t.Fatalf("draft 2 result = %+v", res)
	}
}

func TestExecuteAbortsWhenProjectLookupUnauthorized(t *testing.T) {
	creator := &fakeCreator{}
	authErr := jira.NewAuthError(jira.ErrReauthRequired, errors.New("tracker rejected the refreshed access token"))
	projects := &fakeProjects{err: &tracker.APIError{Kind: tracker.ErrorKindAuth, Message: authErr.Error(), Err: authErr}}
	c := NewCoordinator(validTokens{}, creator, WithProjectLookup(projects))
	b, _ := c.CreateBatch(drafts(2), "PROJ")

	_, err := c.Execute(context.Background(), b)
	if !errors.Is(err, jira.ErrReauthRequired) {
		t.Fatalf("Execute() error = %v, want ErrReauthRequired", err)
	}
	if b.State() != StateFailed || creator.totalCalls() != 0 {
		t.Fatalf("state = %s calls = %d, want FAILED with no dispatch", b.State(), creator.totalCalls())
	}
	res, _ := b.Result(0)
	if res.ErrorKind != tracker.ErrorKindAuth {
		t.Fatalf("draft 1 result = %+v", res)
	}
}

func TestExecuteDispatchesWhenProjectLookupFails(t *testing.T) {
	creator := &fakeCreator{}
	projects := &fakeProjects{err: &tracker.APIError{Kind: tracker.ErrorKindTransient, Message: "giving up after 3 attempts: HTTP 503"}}
	c := NewCoordinator(validTokens{}, creator, WithProjectLookup(projects))
	b, _ := c.CreateBatch(drafts(2), "PROJ")

	if _, err := c.Execute(context.Background(), b); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if b.State() != StateComplete || creator.totalCalls() != 2 {
		t.Fatalf("state = %s calls = %d, want COMPLETE with both dispatched", b.State(), creator.totalCalls())
	}
}

func TestExecuteUnknownProjectAgainstTracker(t *testing.T) {
	var creates atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/rest/api/2/project/NOPE":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errorMessages":["No project could be found with key 'NOPE'."]}`))
		case r.Method == http.MethodPost:
			creates.Add(1)
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"errors":{"project":"project is required"}}`))
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	t.Cleanup(srv.Close)
	tokens := validTokens{}
	client := tracker.NewClient(srv.URL, tokens, tracker.WithHTTPClient(srv.Client()), tracker.WithSleep(noSleep))
	c := NewCoordinator(tokens, client, WithProjectLookup(client))

	b, _ := c.CreateBatch(drafts(4), "NOPE")
	if _, err := c.Execute(context.Background(), b); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if creates.Load() != 0 {
		t.Fatalf("create requests = %d, want 0", creates.Load())
	}
	if b.State() != StateFailed {
		t.Fatalf("state = %s, want FAILED", b.State())
	}
	for i := 0; i < 4; i++ {
		res, _ := b.Result(i)
		if res.Message != "project NOPE not found" {
			t.Fatalf("draft %d message = %q", i+1, res.Message)
		}
	}
}

package jira

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// refreshTimeout bounds a shared refresh grant independently of any single waiter.
const refreshTimeout = 30 * time.Second

// refreshKey is the only single-flight key: one store holds one credential.
const refreshKey = "refresh"

// Refresher performs the refresh grant. *OAuthHandler implements it.
type Refresher interface {
	Refresh(ctx context.Context, current *TokenSet) (*TokenSet, error)
}

// Persister receives every token set the store adopts, e.g. a keyring or file store.
// Persistence failures are logged and never fail the caller.
type Persister interface {
	SaveTokenSet(ctx context.Context, ts *TokenSet) error
}

// Remover is implemented by persisters that can delete the stored token set.
type Remover interface {
	DeleteTokenSet(ctx context.Context) error
}

// TokenStore owns the current TokenSet and serializes refreshes. Concurrent callers that
// find the token expired share one in-flight refresh and all observe its outcome.
type TokenStore struct {
	mu        sync.RWMutex
	current   *TokenSet
	refresher Refresher
	persister Persister
	margin    time.Duration
	now       func() time.Time
	flight    singleflight.Group
	refreshes atomic.Int64
}

// StoreOption customises a TokenStore.
type StoreOption func(*TokenStore)

// WithPersister attaches a persistence hook.
func WithPersister(p Persister) StoreOption {
	return func(s *TokenStore) { s.persister = p }
}

// WithSafetyMargin sets how long before expiry a token stops being handed out.
func WithSafetyMargin(margin time.Duration) StoreOption {
	return func(s *TokenStore) {
		if margin >= 0 {
			s.margin = margin
		}
	}
}

// WithStoreClock overrides the time source, mainly for tests.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *TokenStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewTokenStore creates an empty store that refreshes through refresher.
func NewTokenStore(refresher Refresher, opts ...StoreOption) *TokenStore {
	s := &TokenStore{
		refresher: refresher,
		margin:    time.Minute,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Set replaces the current token set, e.g. after the interactive authorization or when
// loading a persisted credential at startup.
func (s *TokenStore) Set(ctx context.Context, ts *TokenSet) {
	s.mu.Lock()
	s.current = ts.Clone()
	s.mu.Unlock()
	s.persist(ctx, ts)
}

// Current returns a copy of the current token set without validating it.
func (s *TokenStore) Current() *TokenSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Clear logs out: it forgets the current token set and deletes the persisted copy when
// the persister is a Remover. The in-memory token is dropped even if deletion fails.
func (s *TokenStore) Clear(ctx context.Context) error {
	s.Forget()
	if r, ok := s.persister.(Remover); ok {
		if err := r.DeleteTokenSet(ctx); err != nil {
			return fmt.Errorf("delete persisted token: %w", err)
		}
	}
	return nil
}

// Forget drops the in-memory token set and leaves persistence untouched.
func (s *TokenStore) Forget() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}

// Refreshes reports how many refresh grants this store has started.
func (s *TokenStore) Refreshes() int64 {
	return s.refreshes.Load()
}

// GetValidToken returns a token set with ExpiresAt > now + margin, refreshing at most once
// across all concurrent callers when the current one is expired.
func (s *TokenStore) GetValidToken(ctx context.Context) (*TokenSet, error) {
	if ts := s.validCurrent(); ts != nil {
		return ts, nil
	}
	return s.refresh(ctx, "")
}

// ForceRefresh is used after the tracker rejected stale with 401. When another caller
// already replaced stale, the newer token is returned without a new grant.
func (s *TokenStore) ForceRefresh(ctx context.Context, stale *TokenSet) (*TokenSet, error) {
	staleAccess := ""
	if stale != nil {
		staleAccess = stale.AccessToken
	}
	s.mu.RLock()
	cur := s.current
	if cur != nil && cur.AccessToken != staleAccess && cur.ValidAt(s.now(), s.margin) {
		s.mu.RUnlock()
		return cur.Clone(), nil
	}
	s.mu.RUnlock()
	return s.refresh(ctx, staleAccess)
}

func (s *TokenStore) validCurrent() *TokenSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current.ValidAt(s.now(), s.margin) {
		return s.current.Clone()
	}
	return nil
}

// refresh joins or starts the shared refresh. rejected is the access token a caller saw
// fail; empty means "expired by clock".
func (s *TokenStore) refresh(ctx context.Context, rejected string) (*TokenSet, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	// The flight must survive the cancellation of whichever caller started it.
	flightCtx := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(refreshKey, func() (any, error) {
		return s.doRefresh(flightCtx, rejected)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*TokenSet).Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *TokenStore) doRefresh(ctx context.Context, rejected string) (*TokenSet, error) {
	s.mu.RLock()
	cur := s.current.Clone()
	s.mu.RUnlock()

	// A flight that finished just before this one may already have produced a usable token.
	if cur.ValidAt(s.now(), s.margin) && (rejected == "" || cur.AccessToken != rejected) {
		return cur, nil
	}
	if cur == nil {
		return nil, NewAuthError(ErrReauthRequired, fmt.Errorf("no token stored; authorize first"))
	}
	if s.refresher == nil {
		return nil, NewAuthError(ErrReauthRequired, fmt.Errorf("token store has no refresher"))
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	s.refreshes.Add(1)
	log.Info("jira access token expired or rejected, refreshing")
	next, err := s.refresher.Refresh(ctx, cur)
	if err != nil {
		return nil, err
	}
	if !next.ValidAt(s.now(), s.margin) {
		return nil, NewAuthError(ErrExchangeFailed, fmt.Errorf("refreshed token expires at %s, inside the safety margin", next.ExpiresAt.Format(time.RFC3339)))
	}

	s.mu.Lock()
	s.current = next.Clone()
	s.mu.Unlock()
	s.persist(ctx, next)
	return next, nil
}

func (s *TokenStore) persist(ctx context.Context, ts *TokenSet) {
	if s.persister == nil || ts == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.persister.SaveTokenSet(ctx, ts.Clone()); err != nil {
		log.WithError(err).Warn("failed to persist jira token set")
	}
}

package batch

import (
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned for unknown batch ids.
var ErrNotFound = errors.New("batch: not found")

// Registry keeps batches in memory for the HTTP API, keyed by id.
type Registry struct {
	mu      sync.RWMutex
	batches map[string]*Batch
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{batches: make(map[string]*Batch)}
}

// Put stores or replaces b.
func (r *Registry) Put(b *Batch) {
	r.mu.Lock()
	r.batches[b.ID()] = b
	r.mu.Unlock()
}

// Get returns the batch with id.
func (r *Registry) Get(id string) (*Batch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

// List returns reports for every batch, newest first.
func (r *Registry) List() []Report {
	r.mu.RLock()
	reports := make([]Report, 0, len(r.batches))
	for _, b := range r.batches {
		reports = append(reports, b.Report())
	}
	r.mu.RUnlock()
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].CreatedAt.After(reports[j].CreatedAt)
	})
	return reports
}

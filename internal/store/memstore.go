package store

import (
	"context"
	"sort"
	"sync"

	"github.com/basket/go-evalplane/internal/eval"
)

// MemStore is an in-memory Store used by unit tests and by components
// that run with STORE_URL=mem:// in development.
type MemStore struct {
	mu   sync.Mutex
	recs map[string]eval.Evaluation
}

func NewMemStore() *MemStore {
	return &MemStore{recs: make(map[string]eval.Evaluation)}
}

func (m *MemStore) Insert(ctx context.Context, e eval.Evaluation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.recs[e.ID]; exists {
		return ErrConflict
	}
	m.recs[e.ID] = e
	return nil
}

func (m *MemStore) Update(ctx context.Context, id string, expectFrom eval.Status, apply func(*eval.Evaluation)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.recs[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != expectFrom {
		return ErrConflict
	}

	updated := e
	apply(&updated)
	if updated.Status != expectFrom && !eval.CanTransition(expectFrom, updated.Status) {
		return ErrConflict
	}
	m.recs[id] = updated
	return nil
}

func (m *MemStore) Get(ctx context.Context, id string) (eval.Evaluation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.recs[id]
	if !ok {
		return eval.Evaluation{}, ErrNotFound
	}
	return e, nil
}

func (m *MemStore) List(ctx context.Context, filter ListFilter) ([]eval.Evaluation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []eval.Evaluation
	for _, e := range m.recs {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	start := filter.Offset
	if start > len(out) {
		start = len(out)
	}
	end := start + limit
	if end > len(out) {
		end = len(out)
	}
	return out[start:end], nil
}

func (m *MemStore) Close() error { return nil }

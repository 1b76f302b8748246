package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemQueue is an in-memory Queue used by unit tests and by components
// that run with QUEUE_URL=mem:// in development.
type MemQueue struct {
	mu    sync.Mutex
	items map[string]*Item
	order []string
}

func NewMemQueue() *MemQueue {
	return &MemQueue{items: make(map[string]*Item)}
}

func (m *MemQueue) Enqueue(ctx context.Context, evalID, resourceClass string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.items[id] = &Item{
		ID:            id,
		EvalID:        evalID,
		ResourceClass: resourceClass,
		EnqueuedAt:    time.Now(),
	}
	m.order = append(m.order, id)
	return nil
}

func (m *MemQueue) Claim(ctx context.Context, leaseDuration time.Duration) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, id := range m.order {
		it, ok := m.items[id]
		if !ok {
			continue
		}
		if it.LeaseOwner != "" && it.LeaseExpires.After(now) {
			continue
		}
		it.LeaseOwner = uuid.NewString()
		it.LeaseExpires = now.Add(leaseDuration)
		return *it, nil
	}
	return Item{}, ErrEmpty
}

func (m *MemQueue) Ack(ctx context.Context, itemID, leaseOwner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[itemID]
	if !ok || it.LeaseOwner != leaseOwner {
		return ErrNotOwner
	}
	delete(m.items, itemID)
	for i, id := range m.order {
		if id == itemID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemQueue) Nack(ctx context.Context, itemID, leaseOwner string, maxAttempts int, backoff time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[itemID]
	if !ok || it.LeaseOwner != leaseOwner {
		return false, ErrNotOwner
	}
	it.Attempt++
	it.LeaseOwner = ""
	if it.Attempt >= maxAttempts {
		delete(m.items, itemID)
		for i, id := range m.order {
			if id == itemID {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
		return true, nil
	}
	return false, nil
}

func (m *MemQueue) DeadLetter(ctx context.Context, itemID, leaseOwner, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[itemID]
	if !ok || it.LeaseOwner != leaseOwner {
		return ErrNotOwner
	}
	delete(m.items, itemID)
	for i, id := range m.order {
		if id == itemID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemQueue) Depth(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	n := 0
	for _, it := range m.items {
		if it.LeaseOwner == "" || !it.LeaseExpires.After(now) {
			n++
		}
	}
	return n, nil
}

func (m *MemQueue) Close() error { return nil }

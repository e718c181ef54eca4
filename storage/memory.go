package storage

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Memory keeps records in maps indexed by ID and endpoint. It is meant for
// tests and single-process development servers.
type Memory struct {
	mu         sync.RWMutex
	byID       map[string]*Record
	byEndpoint map[string]string // endpoint -> ID
}

var _ Storage = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		byID:       make(map[string]*Record),
		byEndpoint: make(map[string]string),
	}
}

func (m *Memory) Save(_ context.Context, record *Record) error {
	if err := check(record); err != nil {
		return err
	}
	stamp(record, time.Now())

	m.mu.Lock()
	defer m.mu.Unlock()

	endpoint := record.Subscription.Endpoint
	if id, ok := m.byEndpoint[endpoint]; ok && id != record.ID {
		delete(m.byID, id)
	}
	if prev, ok := m.byID[record.ID]; ok {
		delete(m.byEndpoint, prev.Subscription.Endpoint)
	}
	m.byID[record.ID] = clone(record)
	m.byEndpoint[endpoint] = record.ID
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(r), nil
}

func (m *Memory) GetByEndpoint(_ context.Context, endpoint string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEndpoint[endpoint]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(m.byID[id]), nil
}

func (m *Memory) GetByUserID(_ context.Context, userID string) ([]*Record, error) {
	return m.collect(func(r *Record) bool { return r.UserID == userID }), nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.byID, id)
	delete(m.byEndpoint, r.Subscription.Endpoint)
	return nil
}

func (m *Memory) DeleteByEndpoint(_ context.Context, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byEndpoint[endpoint]
	if !ok {
		return ErrNotFound
	}
	delete(m.byID, id)
	delete(m.byEndpoint, endpoint)
	return nil
}

func (m *Memory) List(_ context.Context, limit, offset int) ([]*Record, error) {
	all := m.collect(func(*Record) bool { return true })
	// Negative bounds behave as in SQLite: no limit, no offset.
	offset = max(offset, 0)
	if limit < 0 {
		limit = len(all)
	}
	if offset >= len(all) {
		return nil, nil
	}
	return all[offset:min(offset+limit, len(all))], nil
}

func (m *Memory) Close() error { return nil }

// collect returns copies of the matching records, newest first.
func (m *Memory) collect(match func(*Record) bool) []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, r := range m.byID {
		if match(r) {
			out = append(out, clone(r))
		}
	}
	slices.SortFunc(out, newestFirst)
	return out
}

func clone(r *Record) *Record {
	c := *r
	sub := *r.Subscription
	c.Subscription = &sub
	return &c
}

package blessings

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type memoryStore struct {
	mu        sync.Mutex
	records   []Record
	nextID    int
	failWith  error
	appendHit int
}

func (m *memoryStore) List(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out, nil
}

func (m *memoryStore) Append(_ context.Context, draft Draft) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendHit++
	if m.failWith != nil {
		return Record{}, m.failWith
	}
	m.nextID++
	record := Record{
		ID:        draft.ID,
		Author:    draft.Author.String(),
		Content:   draft.Content.String(),
		Tier:      draft.Tier,
		Timestamp: draft.Timestamp,
	}
	if record.ID == "" {
		record.ID = strings.Repeat("x", m.nextID)
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Unix(int64(1700000000+m.nextID), 0).UTC()
	}
	m.records = append([]Record{record}, m.records...)
	return record, nil
}

func (m *memoryStore) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	for index, record := range m.records {
		if record.ID == id {
			m.records = append(m.records[:index], m.records[index+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

type countingRecorder struct {
	mu    sync.Mutex
	calls map[string]int
}

func (r *countingRecorder) Observe(operation, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[operation+":"+outcome]++
}

func (r *countingRecorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[key]
}

func mustService(t *testing.T, store Store) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func requireCode(t *testing.T, err error, want string) {
	t.Helper()
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected ServiceError, got %T (%v)", err, err)
	}
	if serviceErr.Code() != want {
		t.Fatalf("expected code %s, got %s", want, serviceErr.Code())
	}
}

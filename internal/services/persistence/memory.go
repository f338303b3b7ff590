package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/eloadlab/eload-telemetry/internal/model"
)

// memoryStore keeps measurements in insertion order, which is also
// timestamp order since stamp never goes backwards.
type memoryStore struct {
	mu     sync.RWMutex
	now    func() time.Time
	nextID int64
	rows   []model.Measurement
}

// NewMemory returns an empty in-process store.
func NewMemory(opts ...Option) Store {
	return newMemory(buildOptions(opts))
}

func newMemory(o options) *memoryStore {
	return &memoryStore{now: o.now, nextID: 1}
}

func (s *memoryStore) Append(_ context.Context, m model.Measurement) (model.Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last time.Time
	if n := len(s.rows); n > 0 {
		last = s.rows[n-1].Timestamp
	}
	m.ID = s.nextID
	m.Timestamp = stamp(s.now, last)
	s.nextID++
	s.rows = append(s.rows, m)
	return m, nil
}

func (s *memoryStore) QuerySince(_ context.Context, cutoff time.Time) ([]model.Measurement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Measurement, 0)
	for _, m := range s.rows {
		if !m.Timestamp.Before(cutoff) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memoryStore) Latest(_ context.Context) (model.Measurement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.rows) == 0 {
		return model.Measurement{}, ErrNotFound
	}
	return s.rows[len(s.rows)-1], nil
}

func (s *memoryStore) Ping(context.Context) error { return nil }

func (s *memoryStore) Close() error { return nil }

package records

import (
	"context"
	"sync"
)

// MemoryStore keeps records in a slice guarded by an RWMutex.
type MemoryStore struct {
	mu     sync.RWMutex
	rows   []Record
	nextID int64
}

func NewMemoryStore(seed ...Record) *MemoryStore {
	s := &MemoryStore{nextID: 1}
	for _, rec := range seed {
		rec.ID = s.nextID
		s.nextID++
		s.rows = append(s.rows, rec)
	}
	return s
}

func (s *MemoryStore) Scan(ctx context.Context, pred Predicate) ([]Record, error) {
	if pred == nil {
		pred = All
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for i := range s.rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if pred(&s.rows[i]) {
			out = append(out, s.rows[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) Insert(_ context.Context, rec Record) (Record, error) {
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = s.nextID
	s.nextID++
	s.rows = append(s.rows, rec)
	return rec, nil
}

func (s *MemoryStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows), nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

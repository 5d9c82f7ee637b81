package storage

import (
	"context"
	"sort"
	"sync"
)

type memoryStore struct {
	mu   sync.Mutex
	rows map[Key]Record
}

// NewMemory returns an empty process-local store.
func NewMemory() Store {
	return &memoryStore{rows: make(map[Key]Record)}
}

func (m *memoryStore) Ping(context.Context) error { return nil }

func (m *memoryStore) Get(_ context.Context, key Key) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *memoryStore) Mutate(ctx context.Context, key Key, fn MutateFunc) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var cur *Record
	if r, ok := m.rows[key]; ok {
		c := r.Clone()
		cur = &c
	}
	next, act, err := fn(cur)
	if err != nil {
		return Record{}, err
	}
	switch act {
	case Put:
		next.Key = key
		m.rows[key] = next.Clone()
		return next, nil
	case Delete:
		delete(m.rows, key)
		return Record{}, nil
	default:
		if cur == nil {
			return Record{}, nil
		}
		return *cur, nil
	}
}

func (m *memoryStore) List(_ context.Context, q Query) ([]Record, error) {
	m.mu.Lock()
	out := make([]Record, 0, len(m.rows))
	for _, r := range m.rows {
		if matches(r, q) {
			out = append(out, r.Clone())
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *memoryStore) Close() error { return nil }

func matches(r Record, q Query) bool {
	if q.Status != "" && r.Status != q.Status {
		return false
	}
	if !q.UpdatedBefore.IsZero() && !r.UpdatedAt.Before(q.UpdatedBefore) {
		return false
	}
	if q.SiteID != "" && r.SiteID != q.SiteID {
		return false
	}
	if q.Operation != "" && r.Operation != q.Operation {
		return false
	}
	return true
}

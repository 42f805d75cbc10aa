package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend implements Backend with in-memory maps. It backs the
// process when Redis is unavailable and is used directly by tests. Data
// does not survive a restart.
type MemoryBackend struct {
	mu     sync.RWMutex
	values map[string]memValue
	hashes map[string]map[string]string
	zsets  map[string]map[string]float64
	now    func() time.Time
}

type memValue struct {
	value   string
	expires time.Time // zero: no expiry
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		values: make(map[string]memValue),
		hashes: make(map[string]map[string]string),
		zsets:  make(map[string]map[string]float64),
		now:    time.Now,
	}
}

func (m *MemoryBackend) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	if !v.expires.IsZero() && !m.now().Before(v.expires) {
		return "", ErrNotFound
	}
	return v.value, nil
}

func (m *MemoryBackend) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := memValue{value: value}
	if ttl > 0 {
		v.expires = m.now().Add(ttl)
	}
	m.values[key] = v
	return nil
}

func (m *MemoryBackend) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.values, k)
		delete(m.hashes, k)
		delete(m.zsets, k)
	}
	return nil
}

func (m *MemoryBackend) HashGet(_ context.Context, key string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Return a copy to avoid external mutation.
	out := make(map[string]string, len(m.hashes[key]))
	for f, v := range m.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (m *MemoryBackend) HashSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		m.hashes[key] = h
	}
	for f, v := range fields {
		h[f] = v
	}
	return nil
}

func (m *MemoryBackend) ZAdd(_ context.Context, key string, members ...ScoredMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64, len(members))
		m.zsets[key] = z
	}
	for _, sm := range members {
		z[sm.Member] = sm.Score
	}
	return nil
}

// ZRangeByScore orders ties by member, as Redis does.
func (m *MemoryBackend) ZRangeByScore(_ context.Context, key string, min, max float64) ([]ScoredMember, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ScoredMember
	for member, score := range m.zsets[key] {
		if score >= min && score <= max {
			out = append(out, ScoredMember{Member: member, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out, nil
}

func (m *MemoryBackend) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	z := m.zsets[key]
	for member, score := range z {
		if score >= min && score <= max {
			delete(z, member)
		}
	}
	return nil
}

package blob

import (
	"context"
	"sync"
	"time"
)

type Memory struct {
	mu  sync.RWMutex
	m   map[string]record
	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{m: make(map[string]record), now: time.Now}
}

func (s *Memory) Put(_ context.Context, key string, data []byte, ttl time.Duration) error {
	d := make([]byte, len(data))
	copy(d, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = newRecord(d, ttl, s.now())
	return nil
}

func (s *Memory) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	r, ok := s.m[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if r.expired(s.now()) {
		return nil, ErrExpired
	}
	out := make([]byte, len(r.Data))
	copy(out, r.Data)
	return out, nil
}

func (s *Memory) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

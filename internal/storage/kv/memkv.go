package kv

import "sync"

type memkv struct {
	mu sync.RWMutex
	m  map[string][]byte
}

// NewMemory returns an in-memory DB. It is meant for tests and for
// ephemeral deployments; nothing survives Close.
func NewMemory() DB {
	return &memkv{m: make(map[string][]byte)}
}

func (db *memkv) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	v, ok := db.m[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (db *memkv) Put(key, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	db.m[string(key)] = v
	return nil
}

func (db *memkv) Delete(key []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.m, string(key))
	return nil
}

func (db *memkv) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.m = make(map[string][]byte)
	return nil
}

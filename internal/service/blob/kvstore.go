package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"keymesh/internal/storage/kv"
)

const kvPrefix = "blob/"

// KV stores blobs in a device-local key-value database. Expiry is
// enforced on read; expired records are removed lazily.
type KV struct {
	db  kv.DB
	now func() time.Time
}

func NewKV(db kv.DB) *KV {
	return &KV{db: db, now: time.Now}
}

func (s *KV) Put(_ context.Context, key string, data []byte, ttl time.Duration) error {
	raw, err := json.Marshal(newRecord(data, ttl, s.now()))
	if err != nil {
		return fmt.Errorf("marshal blob record: %w", err)
	}
	return s.db.Put([]byte(kvPrefix+key), raw)
}

func (s *KV) Get(_ context.Context, key string) ([]byte, error) {
	raw, err := s.db.Get([]byte(kvPrefix + key))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("unmarshal blob record: %w", err)
	}
	if r.expired(s.now()) {
		s.db.Delete([]byte(kvPrefix + key))
		return nil, ErrExpired
	}
	return r.Data, nil
}

func (s *KV) Delete(_ context.Context, key string) error {
	return s.db.Delete([]byte(kvPrefix + key))
}

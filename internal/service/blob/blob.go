// Package blob stores opaque encrypted blobs keyed by string identifiers.
// Callers encrypt before Put; no backend ever sees plaintext session state.
package blob

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("blob not found")
	ErrExpired  = errors.New("blob expired")
)

type (
	Store interface {
		// Put stores data under key. A ttl of zero means no expiry.
		Put(ctx context.Context, key string, data []byte, ttl time.Duration) error
		// Get returns the stored bytes, ErrExpired if the blob's ttl has
		// passed, or ErrNotFound.
		Get(ctx context.Context, key string) ([]byte, error)
		Delete(ctx context.Context, key string) error
	}

	record struct {
		ExpiresAt int64  `json:"expires_at,omitempty"`
		Data      []byte `json:"data"`
	}
)

func newRecord(data []byte, ttl time.Duration, now time.Time) record {
	r := record{Data: data}
	if ttl > 0 {
		r.ExpiresAt = now.Add(ttl).Unix()
	}
	return r
}

func (r record) expired(now time.Time) bool {
	return r.ExpiresAt != 0 && now.Unix() >= r.ExpiresAt
}

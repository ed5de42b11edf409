package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"keymesh/internal/service/redis"
)

// Keys linger one extra day past their logical expiry so that a Get
// inside that window can report ErrExpired instead of ErrNotFound.
const expireGrace = 24 * time.Hour

type Redis struct {
	svc *redis.RedisService
	now func() time.Time
}

func NewRedis(svc *redis.RedisService) *Redis {
	return &Redis{svc: svc, now: time.Now}
}

func (s *Redis) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	raw, err := json.Marshal(newRecord(data, ttl, s.now()))
	if err != nil {
		return fmt.Errorf("marshal blob record: %w", err)
	}
	if ttl > 0 {
		ttl += expireGrace
	}
	return s.svc.Set(ctx, key, raw, ttl)
}

func (s *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.svc.Get(ctx, key)
	if errors.Is(err, goredis.Nil) {
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
		s.svc.Del(ctx, key)
		return nil, ErrExpired
	}
	return r.Data, nil
}

func (s *Redis) Delete(ctx context.Context, key string) error {
	return s.svc.Del(ctx, key)
}

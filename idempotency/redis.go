package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const redisPrefix = "idempotency:"

// RedisStore keeps responses in redis so every API instance sees them.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Response, error) {
	raw, err := s.rdb.Get(ctx, redisPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "idempotency get")
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errors.Wrap(err, "idempotency decode")
	}
	return &resp, nil
}

// Put uses SET NX so the first writer wins across instances.
func (s *RedisStore) Put(ctx context.Context, key string, resp *Response, ttl time.Duration) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return errors.Wrap(err, "idempotency encode")
	}
	if err := s.rdb.SetNX(ctx, redisPrefix+key, raw, ttl).Err(); err != nil {
		return errors.Wrap(err, "idempotency put")
	}
	return nil
}

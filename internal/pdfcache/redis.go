package pdfcache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores documents with a native expiry so several orchestrator
// instances can serve each other's downloads.
type Redis struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(rdb *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (r *Redis) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, bool) {
	pipe := r.rdb.Pipeline()
	get := pipe.Get(ctx, r.prefix+key)
	ttl := pipe.PTTL(ctx, r.prefix+key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, false
	}

	pdf, err := get.Bytes()
	if err != nil {
		return nil, 0, false
	}
	left := ttl.Val()
	if left <= 0 {
		return nil, 0, false
	}
	return pdf, left, true
}

func (r *Redis) Set(ctx context.Context, key string, pdf []byte) error {
	return r.rdb.Set(ctx, r.prefix+key, pdf, r.ttl).Err()
}

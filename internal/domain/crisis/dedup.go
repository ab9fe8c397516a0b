package crisis

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

const dedupKeyPrefix = "mindcare:crisis-alert:"

const (
	claimPending = "pending"
	claimStored  = "stored"
)

// RedisDedupGuard short-circuits repeated alert requests before they reach
// Postgres. The database unique constraint stays authoritative: only a key
// whose write was confirmed is skipped, so a claim orphaned by a failed
// write never hides an alert.
type RedisDedupGuard struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDedupGuard(client *redis.Client, ttl time.Duration) *RedisDedupGuard {
	return &RedisDedupGuard{client: client, ttl: ttl}
}

// Claim reports whether the caller should write the alert. It is false only
// once a write for key has been confirmed.
func (g *RedisDedupGuard) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := g.client.SetNX(ctx, dedupKeyPrefix+key, claimPending, g.ttl).Result()
	if err != nil || ok {
		return ok, err
	}
	state, err := g.client.Get(ctx, dedupKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return state != claimStored, nil
}

// Confirm marks key as stored so later claims skip the database.
func (g *RedisDedupGuard) Confirm(ctx context.Context, key string) error {
	return g.client.Set(ctx, dedupKeyPrefix+key, claimStored, g.ttl).Err()
}

// Release drops a claim so a failed write can be retried.
func (g *RedisDedupGuard) Release(ctx context.Context, key string) error {
	return g.client.Del(ctx, dedupKeyPrefix+key).Err()
}

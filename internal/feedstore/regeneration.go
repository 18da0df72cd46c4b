package feedstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RegenerationCoordinator marks an owner's feed as mid-rebuild. While the
// marker is present, reads must bypass the hot path so a half-populated
// cache is never served. The TTL is a safety net against a crashed rebuild
// leaving the marker set forever; it must sit well above the expected
// precompute duration.
type RegenerationCoordinator struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRegenerationCoordinator(rdb *redis.Client, ttl time.Duration) *RegenerationCoordinator {
	return &RegenerationCoordinator{rdb: rdb, ttl: ttl}
}

func regenerationKey(k Key) string {
	return fmt.Sprintf("feed:regeneration:%s:%d", k.Type, k.OwnerID)
}

// Begin sets the marker. A plain SET, not SET NX: a restarted rebuild for
// the same owner takes over the marker instead of failing.
func (c *RegenerationCoordinator) Begin(ctx context.Context, k Key) error {
	if err := c.rdb.Set(ctx, regenerationKey(k), "1", c.ttl).Err(); err != nil {
		return transient("regeneration begin", err)
	}
	return nil
}

func (c *RegenerationCoordinator) End(ctx context.Context, k Key) error {
	if err := c.rdb.Del(ctx, regenerationKey(k)).Err(); err != nil {
		return transient("regeneration end", err)
	}
	return nil
}

func (c *RegenerationCoordinator) InProgress(ctx context.Context, k Key) (bool, error) {
	err := c.rdb.Get(ctx, regenerationKey(k)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, transient("regeneration check", err)
	}
	return true, nil
}

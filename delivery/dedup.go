package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

const pendingMarker = "pending"

// MarkerStore is the subset of the redis client DedupChannel needs.
type MarkerStore interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// DedupChannel wraps a channel with per-key send markers in Redis. A key that
// was already delivered returns the first message id without sending again.
type DedupChannel struct {
	next       Channel
	markers    MarkerStore
	prefix     string
	ttl        time.Duration
	pendingTTL time.Duration
}

func NewDedupChannel(next Channel, markers MarkerStore, ttl time.Duration) *DedupChannel {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &DedupChannel{
		next:       next,
		markers:    markers,
		prefix:     "dripline:delivery:",
		ttl:        ttl,
		pendingTTL: 10 * time.Minute,
	}
}

func (c *DedupChannel) Send(ctx context.Context, req Request) Result {
	if req.IdempotencyKey == "" {
		return c.next.Send(ctx, req)
	}
	key := c.prefix + req.IdempotencyKey

	acquired, err := c.markers.SetNX(ctx, key, pendingMarker, c.pendingTTL).Result()
	if err != nil {
		return Failed(err)
	}
	if !acquired {
		existing, err := c.markers.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return Failed(ErrInFlight)
		}
		if err != nil {
			return Failed(err)
		}
		if existing == pendingMarker {
			return Failed(ErrInFlight)
		}
		return Delivered(existing)
	}

	res := c.next.Send(ctx, req)
	if !res.Success {
		if abandoned(ctx, res.Err) {
			// The send timed out rather than failed and may still go out. The
			// pending marker holds the key until pendingTTL.
			return res
		}
		// release so the next tick can retry
		c.markers.Del(context.Background(), key)
		return res
	}

	messageID := res.ExternalMessageID
	if messageID == "" {
		messageID = req.IdempotencyKey
	}
	// The message went out either way; a lost marker leaves the key pending
	// until pendingTTL and the store-side delivery record still guards replays.
	c.markers.Set(context.Background(), key, messageID, c.ttl)
	return res
}

func abandoned(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

package broker

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker closed")

// Message is a payload received on a subscribed channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live stream of messages for one or more channels. The
// Messages channel is closed after Close or when the broker
// shuts down.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Broker is the set of primitives the dispatcher, mesh coordinator and session
// sync manager are built on.
//
// Contract:
//   - Get reports a missing or expired key as (nil, false, nil)
//   - ttl == 0 in Set means no expiry
//   - ZRem returns the number of members actually removed; a claim succeeds
//     only for the caller that observed 1
//   - ZRange orders members by ascending score, ties broken lexicographically
//   - Scan patterns use glob syntax (*, ?, [...])
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, member string) (int64, error)
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)

	SAdd(ctx context.Context, key string, member string) error
	SRem(ctx context.Context, key string, member string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)

	Scan(ctx context.Context, pattern string) ([]string, error)

	Close() error
}

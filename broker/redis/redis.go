// Package redis implements broker.Broker on top of a Redis server so every
// service replica of a fleet shares queues, channels and snapshots.
package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hupe1980/agentfleet/broker"
	"github.com/hupe1980/agentfleet/logging"
)

// Options configures the Redis broker adapter.
type Options struct {
	// ScanCount is the COUNT hint passed to SCAN.
	ScanCount int64
	// BufferSize is the per-subscription forwarding buffer.
	BufferSize int
	Logger     logging.Logger
}

// Broker adapts a go-redis client to broker.Broker.
type Broker struct {
	client goredis.UniversalClient
	opts   Options
	logger logging.Logger
}

var _ broker.Broker = (*Broker)(nil)

// New wraps an existing client. The broker takes ownership: Close closes it.
func New(client goredis.UniversalClient, optFns ...func(o *Options)) *Broker {
	opts := Options{
		ScanCount:  256,
		BufferSize: 256,
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Broker{client: client, opts: opts, logger: logging.OrNoOp(opts.Logger)}
}

// NewFromURL dials the server described by a redis:// or rediss:// URL.
func NewFromURL(url string, optFns ...func(o *Options)) (*Broker, error) {
	ropts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return New(goredis.NewClient(ropts), optFns...), nil
}

// Ping verifies connectivity.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Publish sends payload on channel.
func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a subscription on exact channels and waits for the server
// to confirm it, so messages published afterwards are not missed.
func (b *Broker) Subscribe(ctx context.Context, channels ...string) (broker.Subscription, error) {
	ps := b.client.Subscribe(ctx, channels...)
	return b.wrap(ctx, ps, len(channels))
}

func (b *Broker) wrap(ctx context.Context, ps *goredis.PubSub, confirmations int) (broker.Subscription, error) {
	for i := 0; i < confirmations; i++ {
		msg, err := ps.Receive(ctx)
		if err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("confirm subscription: %w", err)
		}
		if _, ok := msg.(*goredis.Subscription); !ok {
			_ = ps.Close()
			return nil, fmt.Errorf("unexpected subscription reply %T", msg)
		}
	}
	sub := &subscription{
		ps:   ps,
		out:  make(chan broker.Message, b.opts.BufferSize),
		done: make(chan struct{}),
	}
	go sub.forward()
	return sub, nil
}

// Get returns the value at key.
func (b *Broker) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Set stores value at key with an optional ttl.
func (b *Broker) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

// Expire sets a TTL on key.
func (b *Broker) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return b.client.Expire(ctx, key, ttl).Err()
}

// Delete removes keys.
func (b *Broker) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return b.client.Del(ctx, keys...).Err()
}

// ZAdd adds member with score.
func (b *Broker) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return b.client.ZAdd(ctx, key, goredis.Z{Score: score, Member: member}).Err()
}

// ZRem removes member; the reply count is the claim signal.
func (b *Broker) ZRem(ctx context.Context, key string, member string) (int64, error) {
	return b.client.ZRem(ctx, key, member).Result()
}

// ZRange returns members by rank.
func (b *Broker) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return b.client.ZRange(ctx, key, start, stop).Result()
}

// ZCard returns the sorted set size.
func (b *Broker) ZCard(ctx context.Context, key string) (int64, error) {
	return b.client.ZCard(ctx, key).Result()
}

// SAdd adds member to a set.
func (b *Broker) SAdd(ctx context.Context, key string, member string) error {
	return b.client.SAdd(ctx, key, member).Err()
}

// SRem removes member from a set.
func (b *Broker) SRem(ctx context.Context, key string, member string) (int64, error) {
	return b.client.SRem(ctx, key, member).Result()
}

// SMembers returns set members in lexical order.
func (b *Broker) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := b.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(members)
	return members, nil
}

// Scan iterates SCAN until the cursor wraps and returns de-duplicated keys.
func (b *Broker) Scan(ctx context.Context, pattern string) ([]string, error) {
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		keys, next, err := b.client.Scan(ctx, cursor, pattern, b.opts.ScanCount).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	slices.Sort(out)
	return out, nil
}

// Close closes the underlying client.
func (b *Broker) Close() error {
	return b.client.Close()
}

type subscription struct {
	ps   *goredis.PubSub
	out  chan broker.Message
	done chan struct{}
	once sync.Once
}

// forward copies messages to out until the pubsub ends or Close is called,
// so an abandoned reader cannot pin the goroutine.
func (s *subscription) forward() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		select {
		case s.out <- broker.Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) Messages() <-chan broker.Message { return s.out }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

package broker

import (
	"context"
	"path"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentfleet/logging"
)

// InMemoryOptions configures an InMemoryBroker.
type InMemoryOptions struct {
	// BufferSize is the per-subscription message buffer. Publishing never
	// blocks; messages for a full subscriber are dropped and logged.
	BufferSize int
	// Now supplies the clock used for TTL bookkeeping.
	Now func() time.Time
	// Logger receives drop warnings. Defaults to NoOp.
	Logger logging.Logger
}

// InMemoryBroker is a process local Broker. It is safe for concurrent access
// and best suited for tests, examples and single-instance deployments. Keys
// expire lazily: an expired key is purged by the first operation touching it.
type InMemoryBroker struct {
	mu      sync.Mutex
	values  map[string][]byte
	zsets   map[string]map[string]float64
	sets    map[string]map[string]struct{}
	expires map[string]time.Time
	subs    map[*memorySubscription]struct{}
	closed  bool

	bufferSize int
	now        func() time.Time
	logger     logging.Logger
}

// NewInMemoryBroker constructs an empty broker.
func NewInMemoryBroker(optFns ...func(o *InMemoryOptions)) *InMemoryBroker {
	opts := InMemoryOptions{
		BufferSize: 256,
		Now:        time.Now,
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1
	}
	return &InMemoryBroker{
		values:     make(map[string][]byte),
		zsets:      make(map[string]map[string]float64),
		sets:       make(map[string]map[string]struct{}),
		expires:    make(map[string]time.Time),
		subs:       make(map[*memorySubscription]struct{}),
		bufferSize: opts.BufferSize,
		now:        opts.Now,
		logger:     logging.OrNoOp(opts.Logger),
	}
}

var _ Broker = (*InMemoryBroker)(nil)

// Publish delivers payload to every subscription matching channel.
func (b *InMemoryBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	msg := Message{Channel: channel, Payload: slices.Clone(payload)}
	for sub := range b.subs {
		if !sub.matches(channel) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			b.logger.Warn("Dropping message for slow subscriber", "channel", channel)
		}
	}
	return nil
}

// Subscribe opens a subscription on exact channel names.
func (b *InMemoryBroker) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		broker:   b,
		channels: make(map[string]struct{}, len(channels)),
		ch:       make(chan Message, b.bufferSize),
	}
	for _, c := range channels {
		sub.channels[c] = struct{}{}
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

func (b *InMemoryBroker) unsubscribe(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Get returns the value stored at key.
func (b *InMemoryBroker) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false, ErrClosed
	}
	b.purgeExpiredLocked(key)
	v, ok := b.values[key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(v), true, nil
}

// Set stores value at key, replacing any previous value and expiry.
func (b *InMemoryBroker) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.deleteLocked(key)
	b.values[key] = slices.Clone(value)
	if ttl > 0 {
		b.expires[key] = b.now().Add(ttl)
	}
	return nil
}

// Expire sets a TTL on an existing key of any type. Missing keys are ignored.
func (b *InMemoryBroker) Expire(_ context.Context, key string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.purgeExpiredLocked(key)
	if !b.existsLocked(key) {
		return nil
	}
	if ttl <= 0 {
		b.deleteLocked(key)
		return nil
	}
	b.expires[key] = b.now().Add(ttl)
	return nil
}

// Delete removes keys of any type.
func (b *InMemoryBroker) Delete(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for _, k := range keys {
		b.deleteLocked(k)
	}
	return nil
}

// ZAdd adds or re-scores member in the sorted set at key.
func (b *InMemoryBroker) ZAdd(_ context.Context, key string, score float64, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.purgeExpiredLocked(key)
	z, ok := b.zsets[key]
	if !ok {
		z = make(map[string]float64)
		b.zsets[key] = z
	}
	z[member] = score
	return nil
}

// ZRem removes member and returns how many members were removed (0 or 1).
func (b *InMemoryBroker) ZRem(_ context.Context, key string, member string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	b.purgeExpiredLocked(key)
	z, ok := b.zsets[key]
	if !ok {
		return 0, nil
	}
	if _, ok := z[member]; !ok {
		return 0, nil
	}
	delete(z, member)
	if len(z) == 0 {
		b.deleteLocked(key)
	}
	return 1, nil
}

// ZRange returns members ranked start..stop inclusive. Negative indexes count
// from the end, as in Redis.
func (b *InMemoryBroker) ZRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.purgeExpiredLocked(key)
	z := b.zsets[key]
	members := make([]string, 0, len(z))
	for m := range z {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		si, sj := z[members[i]], z[members[j]]
		if si != sj {
			return si < sj
		}
		return members[i] < members[j]
	})
	n := int64(len(members))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return []string{}, nil
	}
	return members[start : stop+1], nil
}

// ZCard returns the sorted set size.
func (b *InMemoryBroker) ZCard(_ context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	b.purgeExpiredLocked(key)
	return int64(len(b.zsets[key])), nil
}

// SAdd adds member to the set at key.
func (b *InMemoryBroker) SAdd(_ context.Context, key string, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.purgeExpiredLocked(key)
	s, ok := b.sets[key]
	if !ok {
		s = make(map[string]struct{})
		b.sets[key] = s
	}
	s[member] = struct{}{}
	return nil
}

// SRem removes member and returns how many members were removed.
func (b *InMemoryBroker) SRem(_ context.Context, key string, member string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	b.purgeExpiredLocked(key)
	s, ok := b.sets[key]
	if !ok {
		return 0, nil
	}
	if _, ok := s[member]; !ok {
		return 0, nil
	}
	delete(s, member)
	if len(s) == 0 {
		b.deleteLocked(key)
	}
	return 1, nil
}

// SMembers returns the set members in lexical order.
func (b *InMemoryBroker) SMembers(_ context.Context, key string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.purgeExpiredLocked(key)
	s := b.sets[key]
	out := make([]string, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	slices.Sort(out)
	return out, nil
}

// Scan returns every live key matching pattern in lexical order.
func (b *InMemoryBroker) Scan(_ context.Context, pattern string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	seen := make(map[string]struct{})
	collect := func(k string) {
		if ok, _ := path.Match(pattern, k); ok {
			seen[k] = struct{}{}
		}
	}
	for k := range b.values {
		collect(k)
	}
	for k := range b.zsets {
		collect(k)
	}
	for k := range b.sets {
		collect(k)
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		if b.purgeExpiredLocked(k) {
			continue
		}
		out = append(out, k)
	}
	slices.Sort(out)
	return out, nil
}

// Close closes every subscription and rejects further operations.
func (b *InMemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = map[*memorySubscription]struct{}{}
	return nil
}

// purgeExpiredLocked deletes key if its TTL elapsed and reports whether it did.
// Caller must hold b.mu.
func (b *InMemoryBroker) purgeExpiredLocked(key string) bool {
	exp, ok := b.expires[key]
	if !ok || b.now().Before(exp) {
		return false
	}
	b.deleteLocked(key)
	return true
}

func (b *InMemoryBroker) existsLocked(key string) bool {
	if _, ok := b.values[key]; ok {
		return true
	}
	if _, ok := b.zsets[key]; ok {
		return true
	}
	_, ok := b.sets[key]
	return ok
}

func (b *InMemoryBroker) deleteLocked(key string) {
	delete(b.values, key)
	delete(b.zsets, key)
	delete(b.sets, key)
	delete(b.expires, key)
}

type memorySubscription struct {
	broker   *InMemoryBroker
	channels map[string]struct{}
	ch       chan Message
	once     sync.Once
}

func (s *memorySubscription) matches(channel string) bool {
	_, ok := s.channels[channel]
	return ok
}

func (s *memorySubscription) Messages() <-chan Message { return s.ch }

func (s *memorySubscription) Close() error {
	s.once.Do(func() { s.broker.unsubscribe(s) })
	return nil
}

package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentfleet/broker"
)

func newTestBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	b := New(goredis.NewClient(&goredis.Options{Addr: srv.Addr()}))
	t.Cleanup(func() { _ = b.Close() })
	return b, srv
}

func TestBroker_KeyValueTTL(t *testing.T) {
	ctx := context.Background()
	b, srv := newTestBroker(t)

	require.NoError(t, b.Ping(ctx))
	require.NoError(t, b.Set(ctx, "k", []byte("v"), time.Minute))
	v, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(v))

	srv.FastForward(2 * time.Minute)
	_, ok, err = b.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Delete(ctx))
}

func TestBroker_SortedSetClaim(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t)
	keys := broker.NewKeys("test")

	require.NoError(t, b.ZAdd(ctx, keys.Pending("s1"), 2, "t2"))
	require.NoError(t, b.ZAdd(ctx, keys.Pending("s1"), 1, "t1"))

	head, err := b.ZRange(ctx, keys.Pending("s1"), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, head)

	var (
		wg      sync.WaitGroup
		winners atomic.Int64
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if n, err := b.ZRem(ctx, keys.Pending("s1"), "t1"); err == nil && n == 1 {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, winners.Load())

	n, err := b.ZCard(ctx, keys.Pending("s1"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestBroker_SetsAndScan(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t)
	keys := broker.NewKeys("test")

	require.NoError(t, b.SAdd(ctx, keys.Active("s1"), "b"))
	require.NoError(t, b.SAdd(ctx, keys.Active("s1"), "a"))
	members, err := b.SMembers(ctx, keys.Active("s1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, members)

	removed, err := b.SRem(ctx, keys.Active("s1"), "a")
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	require.NoError(t, b.ZAdd(ctx, keys.Pending("s1"), 1, "x"))
	require.NoError(t, b.ZAdd(ctx, keys.Pending("s2"), 1, "y"))
	found, err := b.Scan(ctx, keys.PendingPattern())
	require.NoError(t, err)
	assert.Equal(t, []string{keys.Pending("s1"), keys.Pending("s2")}, found)
}

func TestBroker_PubSub(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t)

	sub, err := b.Subscribe(ctx, "chan")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, "chan", []byte("hello")))
	require.NoError(t, b.Publish(ctx, "other", []byte("ignored")))

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "chan", msg.Channel)
		assert.Equal(t, "hello", string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected message on %s", msg.Channel)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewFromURL_Invalid(t *testing.T) {
	_, err := NewFromURL("not-a-url://")
	assert.Error(t, err)
}

func TestBroker_CloseReleasesBlockedSubscription(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	b := New(goredis.NewClient(&goredis.Options{Addr: srv.Addr()}), func(o *Options) { o.BufferSize = 1 })
	t.Cleanup(func() { _ = b.Close() })

	sub, err := b.Subscribe(ctx, "chan")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, "chan", []byte("m")))
	}
	out := sub.(*subscription).out
	require.Eventually(t, func() bool { return len(out) == cap(out) }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, sub.Close())

	received := 0
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Messages():
			if !ok {
				assert.LessOrEqual(t, received, 1)
				return
			}
			received++
		case <-deadline:
			t.Fatal("subscription channel was not closed")
		}
	}
}

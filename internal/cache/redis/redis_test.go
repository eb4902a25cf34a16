package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/greenledger/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), ClientConfig{Addr: mr.Addr(), PoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestPriceCache_RoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	pc := NewPriceCache(c)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 123)

	_, err := pc.GetQuote(ctx, "UK")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, pc.SetQuote(ctx, domain.RegionQuote{
		Region: "UK", Price: 47.5, EthPerCredit: 4.75, Change: 0.23, UpdatedAt: now,
	}))

	q, err := pc.GetQuote(ctx, "UK")
	require.NoError(t, err)
	assert.Equal(t, 47.5, q.Price)
	assert.Equal(t, 4.75, q.EthPerCredit)
	assert.Equal(t, 0.23, q.Change)
	assert.True(t, now.Equal(q.UpdatedAt))

	all, err := pc.GetQuotes(ctx, []string{"UK", "China"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Contains(t, all, "UK")
}

func TestLockManager_Exclusive(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "sender:0xabc", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "sender:0xabc", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock() // second call is a no-op
	assert.False(t, mr.Exists("lock:sender:0xabc"))

	unlock2, err := lm.Acquire(ctx, "sender:0xabc", time.Minute)
	require.NoError(t, err)
	unlock2()
}

func TestLockManager_UnlockDoesNotStealForeignLock(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c)

	unlock, err := lm.Acquire(context.Background(), "k", time.Minute)
	require.NoError(t, err)

	// Simulate expiry and takeover by another holder.
	require.NoError(t, mr.Set("lock:k", "someone-else"))
	unlock()

	v, err := mr.Get("lock:k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", v)
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "ip:1.2.3.4", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "ip:1.2.3.4", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// other keys are independent
	ok, err = rl.Allow(ctx, "ip:5.6.7.8", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignalBus_PublishSubscribe(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewSignalBus(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "settlements")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "settlements", []byte(`{"event":"completed"}`)))

	select {
	case msg := <-ch:
		assert.JSONEq(t, `{"event":"completed"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestSignalBus_StreamRecent(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewSignalBus(c)
	ctx := context.Background()

	msgs, err := bus.StreamRecent(ctx, "stream:settlements", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, bus.StreamAppend(ctx, "stream:settlements", []byte(p)))
	}

	msgs, err = bus.StreamRecent(ctx, "stream:settlements", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", string(msgs[0].Payload))
	assert.Equal(t, "c", string(msgs[1].Payload))
}

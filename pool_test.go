package xmsg_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xmsg"
	"github.com/trickstertwo/xmsg/adapter/memory"
)

func newTestPool(t *testing.T, broker *memory.Broker, size int) *xmsg.Pool {
	t.Helper()
	p, err := xmsg.NewPool(context.Background(), xmsg.PoolConfig{
		Name:   "test",
		URL:    "memory://pool",
		Size:   size,
		Dialer: broker.Dialer(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPool_AcquireBlocksWhenExhausted(t *testing.T) {
	broker := memory.NewBroker(memory.Config{})
	p := newTestPool(t, broker, 1)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	var pe *xmsg.PoolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "acquire", pe.Op)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan *xmsg.Lease, 1)
	go func() {
		l, err := p.Acquire(context.Background())
		if err == nil {
			got <- l
		}
	}()
	time.Sleep(20 * time.Millisecond)
	lease.Release()

	select {
	case l := <-got:
		assert.Same(t, lease.Channel(), l.Channel(), "idle channel is reused")
		l.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by Release")
	}
}

func TestPool_NeverExceedsSize(t *testing.T) {
	broker := memory.NewBroker(memory.Config{})
	p := newTestPool(t, broker, 3)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := p.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			assert.LessOrEqual(t, p.Stats().Total, int32(3))
			time.Sleep(time.Millisecond)
			l.Release()
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, p.Stats().Total, int32(3))
	assert.Equal(t, int32(0), p.Stats().Acquired)
}

func TestPool_ReleaseDiscardsClosedChannel(t *testing.T) {
	broker := memory.NewBroker(memory.Config{})
	p := newTestPool(t, broker, 2)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	first := lease.Channel()
	require.NoError(t, first.Close())
	lease.Release()

	assert.Equal(t, int32(0), p.Stats().Total)

	lease, err = p.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()
	assert.NotSame(t, first, lease.Channel())
	assert.False(t, lease.Channel().IsClosed())
	assert.Equal(t, int64(1), broker.Stats().Dials, "connection still alive; no redial")
}

func TestPool_ReconnectsAfterDisconnect(t *testing.T) {
	broker := memory.NewBroker(memory.Config{})
	p := newTestPool(t, broker, 2)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()
	require.True(t, p.Connected())

	broker.Disconnect()
	assert.False(t, p.Connected())

	lease, err = p.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	assert.False(t, lease.Channel().IsClosed())
	assert.True(t, p.Connected())
	assert.Equal(t, int64(2), broker.Stats().Dials)
}

func TestPool_ConcurrentReconnectDialsOnce(t *testing.T) {
	broker := memory.NewBroker(memory.Config{})
	p := newTestPool(t, broker, 8)

	broker.Disconnect()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := p.Acquire(context.Background())
			if assert.NoError(t, err) {
				time.Sleep(5 * time.Millisecond)
				l.Release()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(2), broker.Stats().Dials)
}

func TestPool_DialFailureSurfaces(t *testing.T) {
	broker := memory.NewBroker(memory.Config{})
	p := newTestPool(t, broker, 1)

	broker.SetDown(true)
	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, memory.ErrBrokerDown))

	broker.SetDown(false)
	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()
}

func TestNewPool_Errors(t *testing.T) {
	_, err := xmsg.NewPool(context.Background(), xmsg.PoolConfig{Name: "x", Size: 1})
	assert.ErrorIs(t, err, xmsg.ErrNoDialer)

	broker := memory.NewBroker(memory.Config{})
	_, err = xmsg.NewPool(context.Background(), xmsg.PoolConfig{Name: "x", Size: 0, Dialer: broker.Dialer()})
	assert.Error(t, err)

	broker.SetDown(true)
	_, err = xmsg.NewPool(context.Background(), xmsg.PoolConfig{Name: "x", Size: 1, Dialer: broker.Dialer()})
	var pe *xmsg.PoolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "connect", pe.Op)
}

func TestPool_AcquireAfterClose(t *testing.T) {
	broker := memory.NewBroker(memory.Config{})
	p, err := xmsg.NewPool(context.Background(), xmsg.PoolConfig{Name: "x", Size: 1, Dialer: broker.Dialer()})
	require.NoError(t, err)
	require.NoError(t, p.Close())

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, xmsg.ErrClientClosed)
}

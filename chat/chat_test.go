package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xmsg"
	"github.com/trickstertwo/xmsg/adapter/memory"
	"github.com/trickstertwo/xmsg/loader"
	"github.com/trickstertwo/xmsg/message"
	"github.com/trickstertwo/xmsg/snowflake"
	"github.com/trickstertwo/xmsg/store"
	"github.com/trickstertwo/xmsg/store/badgerstore"
)

func newStore(t *testing.T) store.Store {
	t.Helper()
	s, err := badgerstore.Open(badgerstore.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newClient(t *testing.T) (*memory.Broker, *xmsg.Client) {
	t.Helper()
	broker := memory.NewBroker(memory.Config{BufferSize: 64})
	c, err := xmsg.NewClientBuilder().
		WithURL("memory://chat-test").
		WithDialer(broker.Dialer()).
		WithPoolSizes(2, 2).
		Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return broker, c
}

type countingStore struct {
	store.Store
	fetches atomic.Int32
}

func (c *countingStore) FetchByKeys(ctx context.Context, ids []snowflake.ID) ([]*message.Message, error) {
	c.fetches.Add(1)
	return c.Store.FetchByKeys(ctx, ids)
}

func TestSend_ListenerReceivesHello(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, client := newClient(t)
	svc := NewService(client, newStore(t))

	stream, err := svc.Listen(ctx)
	require.NoError(t, err)
	defer stream.Close()

	before := time.Now().Truncate(time.Millisecond)
	sent, err := svc.Send(ctx, "hello")
	require.NoError(t, err)

	got, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Body)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, sent.Timestamp, got.ID.Time())
	assert.False(t, got.Timestamp.Before(before))
}

func TestSend_PublishFailureIsBestEffort(t *testing.T) {
	ctx := context.Background()
	broker, client := newClient(t)
	st := newStore(t)
	svc := NewService(client, st)

	broker.SetDown(true)

	sent, err := svc.Send(ctx, "offline")
	require.NoError(t, err)

	all, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, sent.ID, all[0].ID)
}

func TestSend_WithoutBroker(t *testing.T) {
	svc := NewService(nil, newStore(t))
	m, err := svc.Send(context.Background(), "local")
	require.NoError(t, err)
	assert.Equal(t, "local", m.Body)

	_, err = svc.Listen(context.Background())
	assert.ErrorIs(t, err, ErrNoBroker)
}

func TestList_NewestFirst(t *testing.T) {
	ctx := context.Background()
	svc := NewService(nil, newStore(t))

	var sent []*message.Message
	for _, body := range []string{"one", "two", "three"} {
		m, err := svc.Send(ctx, body)
		require.NoError(t, err)
		sent = append(sent, m)
		time.Sleep(2 * time.Millisecond)
	}

	all, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "three", all[0].Body)
	assert.Equal(t, "one", all[2].Body)
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	svc := NewService(nil, newStore(t))
	m, err := svc.Send(ctx, "find me")
	require.NoError(t, err)

	got, err := svc.Get(ctx, m.Token())
	require.NoError(t, err)
	assert.Equal(t, "find me", got.Body)

	_, err = svc.Get(ctx, "not a token!")
	assert.ErrorIs(t, err, snowflake.ErrInvalidToken)

	unknown := snowflake.Generate(time.UnixMilli(1)).Token()
	_, err = svc.Get(ctx, unknown)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestScope_CoalescesLookups(t *testing.T) {
	ctx := context.Background()
	st := &countingStore{Store: newStore(t)}
	svc := NewService(nil, st, WithLoaderConfig(loader.Config{Wait: 20 * time.Millisecond}))

	var tokens []string
	for i := 0; i < 4; i++ {
		m, err := svc.Send(ctx, "m")
		require.NoError(t, err)
		tokens = append(tokens, m.Token())
	}

	scope := svc.NewRequestScope()
	var wg sync.WaitGroup
	for _, tok := range append(tokens, tokens...) {
		wg.Add(1)
		go func(tok string) {
			defer wg.Done()
			_, err := scope.Get(ctx, tok)
			assert.NoError(t, err)
		}(tok)
	}
	wg.Wait()

	assert.LessOrEqual(t, st.fetches.Load(), int32(2))
	before := st.fetches.Load()

	// cached for the scope's lifetime
	_, err := scope.Get(ctx, tokens[0])
	require.NoError(t, err)
	assert.Equal(t, before, st.fetches.Load())

	// a new scope starts cold
	_, err = svc.NewRequestScope().Get(ctx, tokens[0])
	require.NoError(t, err)
	assert.Equal(t, before+1, st.fetches.Load())
}

func TestScope_ListPrimesLoader(t *testing.T) {
	ctx := context.Background()
	st := &countingStore{Store: newStore(t)}
	svc := NewService(nil, st)
	m, err := svc.Send(ctx, "primed")
	require.NoError(t, err)

	scope := svc.NewRequestScope()
	_, err = scope.List(ctx)
	require.NoError(t, err)

	got, err := scope.Get(ctx, m.Token())
	require.NoError(t, err)
	assert.Equal(t, "primed", got.Body)
	assert.Equal(t, int32(0), st.fetches.Load())
}

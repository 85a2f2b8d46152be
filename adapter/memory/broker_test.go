package memory

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xmsg"
)

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"message", "message", true},
		{"message", "messages", false},
		{"room.*", "room.general", true},
		{"room.*", "room", false},
		{"room.*", "room.general.extra", false},
		{"room.#", "room", true},
		{"room.#", "room.a.b.c", true},
		{"#", "", true},
		{"#", "anything.at.all", true},
		{"#.audit", "a.b.audit", true},
		{"#.audit", "audit", true},
		{"*.*.done", "job.42.done", true},
		{"*.*.done", "job.done", false},
		{"a.#.z", "a.z", true},
		{"a.#.z", "a.b.c.z", true},
		{"a.#.z", "a.b.c", false},
	}
	for _, tc := range cases {
		t.Run(tc.pattern+"|"+tc.key, func(t *testing.T) {
			assert.Equal(t, tc.want, matchTopic(tc.pattern, tc.key))
		})
	}
}

func TestConfigFromValues(t *testing.T) {
	assert.Equal(t, 64, ConfigFromValues(url.Values{"buffer_size": {"64"}}).BufferSize)
	assert.Equal(t, 1024, ConfigFromValues(url.Values{}).BufferSize)
	assert.Equal(t, 1024, ConfigFromValues(url.Values{"buffer_size": {"lots"}}).BufferSize)
	assert.Equal(t, 1, ConfigFromValues(url.Values{"buffer_size": {"-3"}}).BufferSize)
}

func openChannel(t *testing.T, b *Broker) (*Conn, xmsg.Channel) {
	t.Helper()
	conn, err := b.Connect(context.Background())
	require.NoError(t, err)
	ch, err := conn.Channel()
	require.NoError(t, err)
	return conn, ch
}

func TestBroker_RoutesToBoundQueues(t *testing.T) {
	b := NewBroker(Config{BufferSize: 8})
	_, ch := openChannel(t, b)
	ctx := context.Background()

	require.NoError(t, ch.ExchangeDeclare("events", true))
	require.NoError(t, ch.QueueDeclare("q1", xmsg.QueueOptions{}))
	require.NoError(t, ch.QueueBind("q1", "order.*", "events"))

	deliveries, err := ch.Consume("q1", "c1")
	require.NoError(t, err)

	require.NoError(t, ch.Publish(ctx, "events", "invoice.created", xmsg.Publishing{Body: []byte("no")}))
	require.NoError(t, ch.Publish(ctx, "events", "order.created", xmsg.Publishing{Body: []byte("yes")}))

	select {
	case d := <-deliveries:
		assert.Equal(t, "yes", string(d.Body()))
		assert.Equal(t, "events", d.Exchange())
		assert.Equal(t, "order.created", d.RoutingKey())
		require.NoError(t, d.Ack())
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}

	st := b.Stats()
	assert.Equal(t, uint64(2), st.Published)
	assert.Equal(t, uint64(1), st.Unroutable)
	assert.Equal(t, uint64(1), st.Acked)
}

func TestBroker_FailedOperationClosesChannel(t *testing.T) {
	b := NewBroker(Config{})
	_, ch := openChannel(t, b)

	err := ch.Publish(context.Background(), "missing", "k", xmsg.Publishing{})
	require.Error(t, err)
	assert.True(t, ch.IsClosed())

	assert.ErrorIs(t, ch.ExchangeDeclare("x", true), ErrChannelClosed)
	assert.ErrorIs(t, ch.Publish(context.Background(), "x", "k", xmsg.Publishing{}), ErrChannelClosed)
}

func TestBroker_ExchangeRedeclare(t *testing.T) {
	b := NewBroker(Config{})
	_, ch := openChannel(t, b)

	require.NoError(t, ch.ExchangeDeclare("events", true))
	require.NoError(t, ch.ExchangeDeclare("events", true))
	assert.Error(t, ch.ExchangeDeclare("events", false))
	assert.True(t, ch.IsClosed())
}

func TestBroker_AutoDeleteOnLastCancel(t *testing.T) {
	b := NewBroker(Config{})
	_, ch := openChannel(t, b)

	require.NoError(t, ch.ExchangeDeclare("events", true))
	require.NoError(t, ch.QueueDeclare("temp", xmsg.QueueOptions{AutoDelete: true}))
	_, err := ch.Consume("temp", "a")
	require.NoError(t, err)
	deliveries, err := ch.Consume("temp", "b")
	require.NoError(t, err)

	require.NoError(t, ch.Cancel("a"))
	assert.True(t, b.HasQueue("temp"))

	require.NoError(t, ch.Cancel("b"))
	assert.False(t, b.HasQueue("temp"))

	_, open := <-deliveries
	assert.False(t, open)
}

func TestBroker_ExclusiveQueue(t *testing.T) {
	b := NewBroker(Config{})
	owner, ch := openChannel(t, b)
	_, other := openChannel(t, b)

	require.NoError(t, ch.QueueDeclare("mine", xmsg.QueueOptions{Exclusive: true}))
	_, err := other.Consume("mine", "thief")
	assert.Error(t, err)
	assert.True(t, other.IsClosed())

	require.NoError(t, owner.Close())
	assert.False(t, b.HasQueue("mine"), "exclusive queue dies with its connection")
}

func TestBroker_Disconnect(t *testing.T) {
	b := NewBroker(Config{})
	conn, ch := openChannel(t, b)

	require.NoError(t, ch.QueueDeclare("q", xmsg.QueueOptions{}))
	deliveries, err := ch.Consume("q", "c")
	require.NoError(t, err)

	b.Disconnect()

	assert.True(t, conn.IsClosed())
	assert.True(t, ch.IsClosed())
	_, open := <-deliveries
	assert.False(t, open)
	_, err = conn.Channel()
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Zero(t, b.Stats().Connections)
	assert.True(t, b.HasQueue("q"), "non-exclusive queues survive")
}

func TestBroker_SetDown(t *testing.T) {
	b := NewBroker(Config{})
	conn, _ := openChannel(t, b)

	b.SetDown(true)
	assert.True(t, conn.IsClosed())
	_, err := b.Connect(context.Background())
	assert.ErrorIs(t, err, ErrBrokerDown)

	b.SetDown(false)
	_, err = b.Connect(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int64(3), b.Stats().Dials)
}

func TestBroker_UnackedMessageSurvivesCancel(t *testing.T) {
	b := NewBroker(Config{BufferSize: 4})
	_, ch := openChannel(t, b)
	ctx := context.Background()

	require.NoError(t, ch.ExchangeDeclare("events", true))
	require.NoError(t, ch.QueueDeclare("q", xmsg.QueueOptions{}))
	require.NoError(t, ch.QueueBind("q", "#", "events"))
	_, err := ch.Consume("q", "idle")
	require.NoError(t, err)

	require.NoError(t, ch.Publish(ctx, "events", "k", xmsg.Publishing{Body: []byte("kept")}))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, ch.Cancel("idle"))

	deliveries, err := ch.Consume("q", "next")
	require.NoError(t, err)
	select {
	case d := <-deliveries:
		assert.Equal(t, "kept", string(d.Body()))
	case <-time.After(time.Second):
		t.Fatal("message taken by cancelled consumer was lost")
	}
}

func TestBroker_PublishHonoursContextWhenFull(t *testing.T) {
	b := NewBroker(Config{BufferSize: 1})
	_, ch := openChannel(t, b)

	require.NoError(t, ch.ExchangeDeclare("events", true))
	require.NoError(t, ch.QueueDeclare("q", xmsg.QueueOptions{}))
	require.NoError(t, ch.QueueBind("q", "#", "events"))

	require.NoError(t, ch.Publish(context.Background(), "events", "k", xmsg.Publishing{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ch.Publish(ctx, "events", "k", xmsg.Publishing{}), context.DeadlineExceeded)
}

func TestBroker_AckAfterChannelClose(t *testing.T) {
	b := NewBroker(Config{})
	_, ch := openChannel(t, b)
	ctx := context.Background()

	require.NoError(t, ch.ExchangeDeclare("events", true))
	require.NoError(t, ch.QueueDeclare("q", xmsg.QueueOptions{}))
	require.NoError(t, ch.QueueBind("q", "#", "events"))
	deliveries, err := ch.Consume("q", "c")
	require.NoError(t, err)
	require.NoError(t, ch.Publish(ctx, "events", "k", xmsg.Publishing{Body: []byte("x")}))

	d := <-deliveries
	require.NoError(t, ch.Close())
	assert.ErrorIs(t, d.Ack(), ErrChannelClosed)
}

func TestDial(t *testing.T) {
	conn, err := Dial(context.Background(), "memory://dial-test?buffer_size=2")
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, 1, Named("dial-test", Config{}).Stats().Connections)

	_, err = Dial(context.Background(), "amqp://dial-test")
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Dial(ctx, "memory://dial-test")
	assert.ErrorIs(t, err, context.Canceled)
}

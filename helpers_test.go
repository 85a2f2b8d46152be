package xmsg_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xmsg"
	"github.com/trickstertwo/xmsg/adapter/memory"
	"github.com/trickstertwo/xmsg/message"
	"github.com/trickstertwo/xmsg/snowflake"
)

func newTestClient(t *testing.T, configure ...func(*xmsg.ClientBuilder)) (*memory.Broker, *xmsg.Client) {
	t.Helper()
	broker := memory.NewBroker(memory.Config{BufferSize: 128})
	b := xmsg.NewClientBuilder().
		WithURL("memory://test").
		WithDialer(broker.Dialer()).
		WithPoolSizes(2, 2)
	for _, fn := range configure {
		fn(b)
	}
	c, err := b.Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return broker, c
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newMessage(body string) *message.Message {
	return message.New(body, time.Now(), snowflake.NewGenerator(nil, nil))
}

// rawPayload publishes its bytes verbatim.
type rawPayload []byte

func (r rawPayload) MarshalProto() ([]byte, error) { return r, nil }

type failingPayload struct{ err error }

func (f failingPayload) MarshalProto() ([]byte, error) { return nil, f.err }

var errBoom = errors.New("boom")

// eventRecorder collects observer events.
type eventRecorder struct {
	mu     sync.Mutex
	events []xmsg.Event
}

func (r *eventRecorder) OnEvent(e xmsg.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) count(typ xmsg.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

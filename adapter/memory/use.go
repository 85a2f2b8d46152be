package memory

import (
	"context"
	"fmt"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xmsg"
)

// Use builds a Client on a fresh in-memory broker and installs it as the
// process-wide default. It mirrors the xlog "Use" pattern: explicit
// construction with global install.
//
// Example:
//
//	broker, client := memory.Use(ctx, memory.Config{BufferSize: 256},
//	    memory.WithLogger(logger),
//	)
//	defer client.Close(ctx)
func Use(ctx context.Context, cfg Config, opts ...Option) (*Broker, *xmsg.Client) {
	broker := NewBroker(cfg)
	cb := xmsg.NewClientBuilder().
		WithURL(Scheme + "://local").
		WithDialer(broker.Dialer())

	for _, o := range opts {
		if o != nil {
			o(cb)
		}
	}

	client, err := cb.Build(ctx)
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}

	xmsg.SetDefault(client)
	return broker, client
}

// Option configures the xmsg.ClientBuilder when calling Use.
type Option func(*xmsg.ClientBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xmsg.ClientBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xmsg.ClientBuilder) { b.WithClock(c) }
}

// WithPoolSizes bounds the publish and consume channel pools.
func WithPoolSizes(publish, consume int) Option {
	return func(b *xmsg.ClientBuilder) { b.WithPoolSizes(publish, consume) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xmsg.Observer) Option {
	return func(b *xmsg.ClientBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures async observer pool for non-blocking notifications.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xmsg.ClientBuilder) { b.WithObserverPool(workers, bufferSize) }
}

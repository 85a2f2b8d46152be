package xmsg

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xmsg/snowflake"
)

const (
	publishPoolName = "publish"
	consumePoolName = "consume"
)

// Client publishes and subscribes to a topic-routed broker through two
// independent channel pools, so that long-lived subscriptions can never
// starve publishers.
type Client struct {
	publish *Pool
	consume *Pool

	ids     *snowflake.Generator
	clock   xclock.Clock
	logger  *xlog.Logger
	metrics *Metrics
	retry   RetryConfig

	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer

	streamsMu sync.Mutex
	streams   map[streamHandle]struct{}

	counters  clientCounters
	closed    atomic.Bool
	closeOnce sync.Once
}

type streamHandle interface {
	Close() error
}

// clientCounters uses lock-free atomics for in-process telemetry.
type clientCounters struct {
	published    atomic.Uint64
	consumed     atomic.Uint64
	errors       atomic.Uint64
	publishEMANs atomic.Int64
}

// ClientStats is a point-in-time view of a Client.
type ClientStats struct {
	Published           uint64
	Consumed            uint64
	Errors              uint64
	OpenStreams         int
	AvgPublishLatencyMs float64
	Publish             PoolSnapshot
	Consume             PoolSnapshot
	Observers           PoolStats
}

// HealthStatus indicates client health for Kubernetes probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Stats     ClientStats
	Timestamp time.Time
	Message   string
}

// Publish encodes payload and publishes it to exchange with routingKey.
// Encoding failures are never retried; acquire and transport failures are
// retried per the configured RetryConfig. Every failure is a *PublishError.
func (c *Client) Publish(ctx context.Context, payload Encoder, exchange Exchange, routingKey string) error {
	if c.closed.Load() {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrClientClosed}
	}
	if exchange == "" {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrInvalidExchange}
	}
	if err := checkRoutingKey(routingKey); err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}

	body, err := Encode(payload)
	if err != nil {
		c.counters.errors.Add(1)
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}

	start := c.clock.Now()
	c.notifyAsync(Event{Type: PublishStart, Exchange: exchange, RoutingKey: routingKey})

	err = c.retry.Do(ctx, func(ctx context.Context) error {
		return c.publishOnce(ctx, exchange, routingKey, body)
	})

	duration := c.clock.Since(start)
	c.metrics.published(exchange, duration.Seconds(), err)
	c.notifyAsync(Event{
		Type:       PublishDone,
		Exchange:   exchange,
		RoutingKey: routingKey,
		Duration:   duration,
		Err:        err,
	})

	if err != nil {
		c.counters.errors.Add(1)
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}
	c.counters.published.Add(1)
	c.recordPublishTime(duration.Nanoseconds())
	return nil
}

func (c *Client) publishOnce(ctx context.Context, exchange Exchange, routingKey string, body []byte) error {
	lease, err := c.publish.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	return lease.Channel().Publish(ctx, string(exchange), routingKey, Publishing{
		Body:        body,
		ContentType: ContentType,
		Timestamp:   c.clock.Now(),
	})
}

// Subscribe creates an exclusive, auto-deleting queue named by a fresh
// identifier token, binds it to exchange with routingKey and returns a Stream
// of decoded T values. The stream holds one consume-pool channel until it is
// closed. Setup failures are *SubscribeError and release the channel.
func Subscribe[T any, PT interface {
	*T
	Decoder
}](ctx context.Context, c *Client, exchange Exchange, routingKey string) (*Stream[PT], error) {
	return subscribe(ctx, c, exchange, routingKey, Decode[T, PT])
}

func subscribe[V any](ctx context.Context, c *Client, exchange Exchange, routingKey string, decode func([]byte) (V, error)) (*Stream[V], error) {
	fail := func(stage string, err error) (*Stream[V], error) {
		c.counters.errors.Add(1)
		c.notifyAsync(Event{Type: Error, Exchange: exchange, RoutingKey: routingKey, Err: err})
		return nil, &SubscribeError{Exchange: exchange, RoutingKey: routingKey, Stage: stage, Err: err}
	}

	if c.closed.Load() {
		return fail("acquire", ErrClientClosed)
	}
	if exchange == "" {
		return fail("validate", ErrInvalidExchange)
	}
	if err := checkBindingKey(routingKey); err != nil {
		return fail("validate", err)
	}

	lease, err := c.consume.Acquire(ctx)
	if err != nil {
		return fail("acquire", err)
	}

	queue := c.ids.Now().Token()
	ch := lease.Channel()

	steps := []struct {
		stage string
		run   func() error
	}{
		{"declare queue", func() error {
			return ch.QueueDeclare(queue, QueueOptions{Exclusive: true, AutoDelete: true})
		}},
		{"bind queue", func() error { return ch.QueueBind(queue, routingKey, string(exchange)) }},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			lease.Release()
			return fail(step.stage, err)
		}
		if err := step.run(); err != nil {
			lease.Release()
			return fail(step.stage, err)
		}
	}

	if err := ctx.Err(); err != nil {
		lease.Release()
		return fail("consume", err)
	}
	deliveries, err := ch.Consume(queue, queue)
	if err != nil {
		lease.Release()
		return fail("consume", err)
	}

	s := &Stream[V]{
		client:     c,
		lease:      lease,
		exchange:   exchange,
		routingKey: routingKey,
		queue:      queue,
		deliveries: deliveries,
		decode:     decode,
		done:       make(chan struct{}),
	}
	c.trackStream(s)

	c.notifyAsync(Event{Type: Subscribed, Exchange: exchange, RoutingKey: routingKey, Queue: queue})
	c.logger.Debug().
		Str("exchange", string(exchange)).
		Str("routing_key", routingKey).
		Str("queue", queue).
		Msg("xmsg: subscribed")
	return s, nil
}

func (c *Client) trackStream(s streamHandle) {
	c.streamsMu.Lock()
	c.streams[s] = struct{}{}
	c.streamsMu.Unlock()
}

func (c *Client) untrackStream(s streamHandle) {
	c.streamsMu.Lock()
	delete(c.streams, s)
	c.streamsMu.Unlock()
}

// Stats returns current client statistics.
func (c *Client) Stats() ClientStats {
	c.streamsMu.Lock()
	open := len(c.streams)
	c.streamsMu.Unlock()

	return ClientStats{
		Published:           c.counters.published.Load(),
		Consumed:            c.counters.consumed.Load(),
		Errors:              c.counters.errors.Load(),
		OpenStreams:         open,
		AvgPublishLatencyMs: float64(c.counters.publishEMANs.Load()) / 1e6,
		Publish:             c.publish.Stats(),
		Consume:             c.consume.Stats(),
		Observers:           c.observerPool.Stats(),
	}
}

// Health checks client health for Kubernetes probes.
func (c *Client) Health(ctx context.Context) HealthStatus {
	now := c.clock.Now()
	if c.closed.Load() {
		return HealthStatus{Status: "unhealthy", Timestamp: now, Message: "client is closed"}
	}

	stats := c.Stats()
	status := "healthy"
	var msg string

	switch {
	case !stats.Publish.Connected || !stats.Consume.Connected:
		// pools reconnect lazily on next acquire
		status = "degraded"
		msg = "broker connection lost"
	case stats.Errors > 0 && stats.Published > 0:
		if float64(stats.Errors)/float64(stats.Published) > 0.05 {
			status = "degraded"
			msg = "error rate above 5%"
		}
	}

	return HealthStatus{Status: status, Stats: stats, Timestamp: now, Message: msg}
}

// Close closes open streams, then both pools and their connections.
// It is idempotent.
func (c *Client) Close(ctx context.Context) error {
	var closeErr error

	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.streamsMu.Lock()
		open := make([]streamHandle, 0, len(c.streams))
		for s := range c.streams {
			open = append(open, s)
		}
		c.streamsMu.Unlock()
		for _, s := range open {
			_ = s.Close()
		}

		done := make(chan error, 1)
		go func() {
			done <- errors.Join(c.publish.Close(), c.consume.Close())
		}()
		select {
		case err := <-done:
			if err != nil {
				c.logger.Error().Err(err).Msg("xmsg: pool close failed")
				closeErr = err
			}
		case <-ctx.Done():
			closeErr = ctx.Err()
		}

		if c.observerPool != nil {
			if err := c.observerPool.Close(5 * time.Second); err != nil {
				c.logger.Warn().Err(err).Msg("xmsg: observer pool shutdown timeout")
				closeErr = errors.Join(closeErr, err)
			}
		}
	})

	return closeErr
}

// AddObserver registers an observer (thread-safe).
func (c *Client) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	c.observersMu.Lock()
	c.observers = append(c.observers, obs)
	c.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (c *Client) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	c.observersMu.Lock()
	defer c.observersMu.Unlock()

	for i, o := range c.observers {
		if o == obs {
			c.observers = append(c.observers[:i], c.observers[i+1:]...)
			break
		}
	}
}

func (c *Client) notifyAsync(e Event) {
	if c.observerPool == nil || c.closed.Load() {
		return
	}

	c.observersMu.RLock()
	if len(c.observers) == 0 {
		c.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(c.observers))
	copy(observers, c.observers)
	c.observersMu.RUnlock()

	c.observerPool.Notify(e, observers)
}

// recordPublishTime keeps an exponential moving average of publish latency.
func (c *Client) recordPublishTime(ns int64) {
	const alpha = 0.2
	current := c.counters.publishEMANs.Load()
	if current == 0 {
		c.counters.publishEMANs.Store(ns)
		return
	}
	c.counters.publishEMANs.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}

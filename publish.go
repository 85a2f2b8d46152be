package xmsg

import "context"

// PublishBatch encodes every payload first, then publishes them in order over
// a single publish-pool channel. Nothing is sent if any payload fails to
// encode. A transport failure stops the batch; earlier messages stay published.
func (c *Client) PublishBatch(ctx context.Context, exchange Exchange, routingKey string, payloads ...Encoder) error {
	if len(payloads) == 0 {
		return nil
	}
	if c.closed.Load() {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrClientClosed}
	}
	if exchange == "" {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrInvalidExchange}
	}
	if err := checkRoutingKey(routingKey); err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}

	bodies := make([][]byte, len(payloads))
	for i, p := range payloads {
		body, err := Encode(p)
		if err != nil {
			c.counters.errors.Add(1)
			return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
		}
		bodies[i] = body
	}

	start := c.clock.Now()
	c.notifyAsync(Event{Type: PublishStart, Exchange: exchange, RoutingKey: routingKey})

	sent := 0
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		lease, err := c.publish.Acquire(ctx)
		if err != nil {
			return err
		}
		defer lease.Release()

		for sent < len(bodies) {
			if err := lease.Channel().Publish(ctx, string(exchange), routingKey, Publishing{
				Body:        bodies[sent],
				ContentType: ContentType,
				Timestamp:   c.clock.Now(),
			}); err != nil {
				return err
			}
			sent++
		}
		return nil
	})

	duration := c.clock.Since(start)
	c.metrics.published(exchange, duration.Seconds(), err)
	c.notifyAsync(Event{Type: PublishDone, Exchange: exchange, RoutingKey: routingKey, Duration: duration, Err: err})

	c.counters.published.Add(uint64(sent))
	if err != nil {
		c.counters.errors.Add(1)
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}
	return nil
}

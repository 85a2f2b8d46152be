package xmsg

import (
	"context"
	"iter"
	"sync"
)

// Stream is a live subscription yielding decoded values in broker delivery
// order. Deliveries that fail to decode are logged and skipped; decoded ones
// are acknowledged before they are handed out. A Stream owns one consume-pool
// channel until Close.
type Stream[T any] struct {
	client     *Client
	lease      *Lease
	exchange   Exchange
	routingKey string
	queue      string
	deliveries <-chan Delivery
	decode     func([]byte) (T, error)

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	errMu sync.Mutex
	err   error
}

// Queue returns the name of the server-side queue backing the stream.
func (s *Stream[T]) Queue() string { return s.queue }

// Next blocks until the next decodable value arrives. It returns
// ErrStreamClosed once the stream is closed locally or by the broker, and
// ctx.Err() when ctx ends first.
func (s *Stream[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-s.done:
			return zero, s.setErr(ErrStreamClosed)
		case d, ok := <-s.deliveries:
			if !ok {
				s.client.notifyAsync(Event{Type: StreamClosed, Exchange: s.exchange, RoutingKey: s.routingKey, Queue: s.queue})
				return zero, s.setErr(ErrStreamClosed)
			}
			v, err := s.decode(d.Body())
			if err != nil {
				s.client.counters.errors.Add(1)
				s.client.metrics.decodeFailed(s.exchange)
				s.client.notifyAsync(Event{Type: DecodeFailed, Exchange: s.exchange, RoutingKey: d.RoutingKey(), Queue: s.queue, Err: err})
				s.client.logger.Warn().
					Str("exchange", string(s.exchange)).
					Str("queue", s.queue).
					Err(err).
					Msg("xmsg: skipping undecodable delivery")
				continue
			}
			if err := d.Ack(); err != nil {
				s.client.counters.errors.Add(1)
				s.client.metrics.ackFailed(s.exchange)
				s.client.notifyAsync(Event{Type: AckFailed, Exchange: s.exchange, RoutingKey: d.RoutingKey(), Queue: s.queue, Err: err})
				s.client.logger.Warn().
					Str("exchange", string(s.exchange)).
					Str("queue", s.queue).
					Err(err).
					Msg("xmsg: ack failed")
			}
			s.client.counters.consumed.Add(1)
			s.client.metrics.consumed(s.exchange)
			s.client.notifyAsync(Event{Type: Consumed, Exchange: s.exchange, RoutingKey: d.RoutingKey(), Queue: s.queue})
			return v, nil
		}
	}
}

// All returns an iterator over the stream. Breaking out of the loop closes
// the stream; Err reports why iteration ended otherwise.
func (s *Stream[T]) All(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		defer s.Close()
		for {
			v, err := s.Next(ctx)
			if err != nil {
				s.setErr(err)
				return
			}
			if !yield(v) {
				return
			}
		}
	}
}

// Err returns the error that ended the stream, if any.
func (s *Stream[T]) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Stream[T]) setErr(err error) error {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
	return err
}

// Close cancels the consumer and returns the channel to the consume pool.
// If cancellation fails the channel is discarded instead. Close is idempotent.
func (s *Stream[T]) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.lease.Channel().Cancel(s.queue); err != nil {
			s.closeErr = err
			s.lease.Discard(err)
		} else {
			s.lease.Release()
		}
		s.client.untrackStream(s)
	})
	return s.closeErr
}

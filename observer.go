package xmsg

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"
)

// EventType enumerates client lifecycle events for the Observer pattern.
type EventType string

const (
	PublishStart     EventType = "publish_start"
	PublishDone      EventType = "publish_done"
	Subscribed       EventType = "subscribed"
	Consumed         EventType = "consumed"
	DecodeFailed     EventType = "decode_failed"
	AckFailed        EventType = "ack_failed"
	StreamClosed     EventType = "stream_closed"
	ChannelCreated   EventType = "channel_created"
	ChannelDiscarded EventType = "channel_discarded"
	Reconnected      EventType = "reconnected"
	Error            EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type       EventType
	Pool       string
	Exchange   Exchange
	RoutingKey string
	Queue      string
	Duration   time.Duration
	Err        error

	// Internal: attached for async dispatch
	observers []Observer
}

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits Events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	switch e.Type {
	case Error, DecodeFailed, AckFailed, ChannelDiscarded:
		o.Logger.Warn().
			Str("type", string(e.Type)).
			Str("pool", e.Pool).
			Str("exchange", string(e.Exchange)).
			Str("routing_key", e.RoutingKey).
			Str("queue", e.Queue).
			Err(e.Err).
			Msg("xmsg event")
	case PublishDone:
		if e.Err != nil {
			o.Logger.Warn().
				Str("type", string(e.Type)).
				Str("exchange", string(e.Exchange)).
				Str("routing_key", e.RoutingKey).
				Dur("duration", e.Duration).
				Err(e.Err).
				Msg("xmsg event")
			return
		}
		o.Logger.Debug().
			Str("type", string(e.Type)).
			Str("exchange", string(e.Exchange)).
			Str("routing_key", e.RoutingKey).
			Dur("duration", e.Duration).
			Msg("xmsg event")
	default:
		o.Logger.Debug().
			Str("type", string(e.Type)).
			Str("pool", e.Pool).
			Str("exchange", string(e.Exchange)).
			Str("routing_key", e.RoutingKey).
			Str("queue", e.Queue).
			Msg("xmsg event")
	}
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Events dropped due to full buffer
	Processed    uint64 // Events successfully processed
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// ObserverPool manages asynchronous event dispatching to observers.
// Slow observers never block the publish/consume path: when the buffer is
// full the event is dropped and counted.
type ObserverPool struct {
	eventCh   chan *Event
	workers   int
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	dropped   atomic.Uint64
	processed atomic.Uint64

	// onDrop, when set, is told the type of every dropped event.
	onDrop func(EventType)
}

// NewObserverPool creates a pool for async observer notification.
// workers: number of concurrent observer dispatch goroutines (4-16 for typical use)
// bufferSize: capacity of event channel (1000-5000 for burst resilience)
func NewObserverPool(ctx context.Context, workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}

	poolCtx, cancel := context.WithCancel(ctx)
	op := &ObserverPool{
		eventCh: make(chan *Event, bufferSize),
		workers: workers,
		ctx:     poolCtx,
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		op.wg.Add(1)
		go op.worker()
	}

	return op
}

// Notify queues an event for asynchronous dispatch to observers.
func (op *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 || op.closed.Load() {
		return
	}

	e.observers = make([]Observer, len(observers))
	copy(e.observers, observers)

	select {
	case op.eventCh <- &e:
	default:
		op.dropped.Add(1)
		if op.onDrop != nil {
			op.onDrop(e.Type)
		}
	}
}

func (op *ObserverPool) worker() {
	defer op.wg.Done()
	for {
		select {
		case <-op.ctx.Done():
			// drain what is already queued
			for {
				select {
				case e := <-op.eventCh:
					if e != nil {
						op.dispatchEvent(e)
						op.processed.Add(1)
					}
				default:
					return
				}
			}
		case e := <-op.eventCh:
			if e != nil {
				op.dispatchEvent(e)
				op.processed.Add(1)
			}
		}
	}
}

// dispatchEvent calls all observers for a single event, tolerating observer panics.
func (op *ObserverPool) dispatchEvent(e *Event) {
	for _, obs := range e.observers {
		if obs == nil {
			continue
		}
		func() {
			defer func() { _ = recover() }()
			obs.OnEvent(*e)
		}()
	}
}

// Close stops the workers after draining queued events, waiting up to timeout.
func (op *ObserverPool) Close(timeout time.Duration) error {
	if op.closed.Swap(true) {
		return nil
	}

	op.cancel()

	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats returns current pool statistics.
func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:      op.dropped.Load(),
		Processed:    op.processed.Load(),
		ActiveEvents: len(op.eventCh),
		Workers:      op.workers,
		BufferSize:   cap(op.eventCh),
	}
}

package xmsg

import (
	"errors"
	"fmt"
)

var (
	ErrClientClosed      = errors.New("xmsg: client closed")
	ErrStreamClosed      = errors.New("xmsg: stream closed")
	ErrInvalidExchange   = errors.New("xmsg: invalid exchange")
	ErrInvalidRoutingKey = errors.New("xmsg: invalid routing key")
	ErrNilPayload        = errors.New("xmsg: nil payload")
	ErrNoDialer          = errors.New("xmsg: no dialer registered for url scheme")

	ErrObserverPoolShutdownTimeout = errors.New("xmsg: observer pool shutdown timeout")
)

// PoolError reports a failure to hand out a pooled channel.
type PoolError struct {
	Pool string
	Op   string
	Err  error
}

func (e *PoolError) Error() string {
	return fmt.Sprintf("xmsg: %s pool %s: %v", e.Pool, e.Op, e.Err)
}

func (e *PoolError) Unwrap() error { return e.Err }

// EncodeError reports an entity that cannot be represented on the wire.
type EncodeError struct{ Err error }

func (e *EncodeError) Error() string { return "xmsg: encode: " + e.Err.Error() }

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError reports malformed wire bytes.
type DecodeError struct{ Err error }

func (e *DecodeError) Error() string { return "xmsg: decode: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

// PublishError wraps any failure of Client.Publish.
type PublishError struct {
	Exchange   Exchange
	RoutingKey string
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("xmsg: publish to %s/%s: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// SubscribeError wraps a topology setup failure of Subscribe.
type SubscribeError struct {
	Exchange   Exchange
	RoutingKey string
	Stage      string
	Err        error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("xmsg: subscribe to %s/%s: %s: %v", e.Exchange, e.RoutingKey, e.Stage, e.Err)
}

func (e *SubscribeError) Unwrap() error { return e.Err }

func panicError(r any) error { return fmt.Errorf("panic recovered: %v", r) }

package xmsg

import (
	"context"
	"time"
)

// Encoder is implemented by every entity that can cross the broker boundary.
type Encoder interface {
	MarshalProto() ([]byte, error)
}

// Decoder rebuilds an entity in place from its wire bytes.
type Decoder interface {
	UnmarshalProto(data []byte) error
}

// Transmissible is the full codec capability of a broker entity.
type Transmissible interface {
	Encoder
	Decoder
}

// Connection is a broker connection that hands out channels.
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Dialer opens a Connection to the broker at url.
type Dialer func(ctx context.Context, url string) (Connection, error)

// Channel is a lightweight broker session multiplexed over a Connection.
// A Channel is owned by one goroutine at a time.
type Channel interface {
	// ExchangeDeclare declares a topic exchange. Redeclaring with the same
	// arguments is a no-op.
	ExchangeDeclare(name string, durable bool) error
	QueueDeclare(name string, opts QueueOptions) error
	QueueBind(queue, routingKey, exchange string) error
	// Consume starts delivering messages from queue. The returned channel is
	// closed when the consumer is cancelled or the Channel closes.
	Consume(queue, consumer string) (<-chan Delivery, error)
	Cancel(consumer string) error
	Publish(ctx context.Context, exchange, routingKey string, msg Publishing) error
	IsClosed() bool
	Close() error
}

// QueueOptions controls queue declaration.
type QueueOptions struct {
	Durable    bool
	Exclusive  bool
	AutoDelete bool
}

// Publishing is an outbound broker message.
type Publishing struct {
	Body        []byte
	ContentType string
	MessageID   string
	Timestamp   time.Time
}

// Delivery encapsulates a received message with Ack semantics.
type Delivery interface {
	Body() []byte
	Exchange() string
	RoutingKey() string
	Ack() error
}

// Observer receives client lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API is the non-generic surface of Client.
type API interface {
	Publish(ctx context.Context, payload Encoder, exchange Exchange, routingKey string) error
	Close(ctx context.Context) error
	Stats() ClientStats
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var _ API = (*Client)(nil)
var _ HealthChecker = (*Client)(nil)

// Package amqp adapts github.com/rabbitmq/amqp091-go to the xmsg broker
// abstraction and registers it for amqp:// and amqps:// URLs.
package amqp

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/trickstertwo/xmsg"
)

const exchangeKind = "topic"

func init() {
	for _, scheme := range []string{"amqp", "amqps"} {
		if err := xmsg.RegisterDialer(scheme, Dial); err != nil {
			panic(fmt.Errorf("xmsg/amqp: failed to register dialer %q: %w", scheme, err))
		}
	}
}

// Dial opens an AMQP connection named "xmsg-<uuid>" so it can be told apart
// in the broker's management UI.
func Dial(ctx context.Context, url string) (xmsg.Connection, error) {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName("xmsg-" + uuid.NewString())

	type result struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := amqp.DialConfig(url, amqp.Config{Properties: props})
		done <- result{c, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("amqp: dial: %w", r.err)
		}
		return &Conn{conn: r.conn}, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Conn wraps *amqp.Connection.
type Conn struct {
	conn *amqp.Connection
}

var _ xmsg.Connection = (*Conn)(nil)

func (c *Conn) Channel() (xmsg.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &Channel{ch: ch, consumers: make(map[string]chan struct{})}, nil
}

func (c *Conn) IsClosed() bool { return c.conn.IsClosed() }

func (c *Conn) Close() error { return c.conn.Close() }

// Channel wraps *amqp.Channel.
type Channel struct {
	ch *amqp.Channel

	mu        sync.Mutex
	consumers map[string]chan struct{}
}

var _ xmsg.Channel = (*Channel)(nil)

func (c *Channel) ExchangeDeclare(name string, durable bool) error {
	return c.ch.ExchangeDeclare(name, exchangeKind, durable, false, false, false, nil)
}

func (c *Channel) QueueDeclare(name string, opts xmsg.QueueOptions) error {
	_, err := c.ch.QueueDeclare(name, opts.Durable, opts.AutoDelete, opts.Exclusive, false, nil)
	return err
}

func (c *Channel) QueueBind(queue, routingKey, exchange string) error {
	return c.ch.QueueBind(queue, routingKey, exchange, false, nil)
}

// Consume starts a manual-ack, exclusive consumer.
func (c *Channel) Consume(queue, consumer string) (<-chan xmsg.Delivery, error) {
	in, err := c.ch.Consume(queue, consumer, false, true, false, false, nil)
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	c.mu.Lock()
	c.consumers[consumer] = stop
	c.mu.Unlock()

	out := make(chan xmsg.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-stop:
				return
			case d, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- &delivery{d: d}:
				case <-stop:
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *Channel) Cancel(consumer string) error {
	c.mu.Lock()
	stop, ok := c.consumers[consumer]
	delete(c.consumers, consumer)
	c.mu.Unlock()
	if ok {
		close(stop)
	}
	return c.ch.Cancel(consumer, false)
}

func (c *Channel) Publish(ctx context.Context, exchange, routingKey string, p xmsg.Publishing) error {
	return c.ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType: p.ContentType,
		MessageId:   p.MessageID,
		Timestamp:   p.Timestamp,
		Body:        p.Body,
	})
}

func (c *Channel) IsClosed() bool { return c.ch.IsClosed() }

func (c *Channel) Close() error {
	c.mu.Lock()
	for tag, stop := range c.consumers {
		close(stop)
		delete(c.consumers, tag)
	}
	c.mu.Unlock()
	return c.ch.Close()
}

type delivery struct {
	d amqp.Delivery
}

func (d *delivery) Body() []byte       { return d.d.Body }
func (d *delivery) Exchange() string   { return d.d.Exchange }
func (d *delivery) RoutingKey() string { return d.d.RoutingKey }
func (d *delivery) Ack() error         { return d.d.Ack(false) }

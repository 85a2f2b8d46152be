package memory

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xmsg"
)

const Scheme = "memory"

func init() {
	if err := xmsg.RegisterDialer(Scheme, Dial); err != nil {
		panic(fmt.Errorf("xmsg/memory: failed to register dialer: %w", err))
	}
}

var (
	ErrChannelClosed    = errors.New("memory: channel closed")
	ErrConnectionClosed = errors.New("memory: connection closed")
	ErrBrokerDown       = errors.New("memory: broker unreachable")
)

// Broker is an in-process topic broker with AMQP-like semantics: durable
// topic exchanges, exclusive and auto-deleting queues, topic bindings and
// per-channel consumers. A failed operation closes the channel it ran on.
// Not suitable for production; it exists for local development and tests.
type Broker struct {
	cfg Config

	mu        sync.Mutex
	exchanges map[string]bool // name -> durable
	queues    map[string]*queue
	conns     map[*Conn]struct{}
	down      bool

	dials   atomic.Int64
	metrics brokerMetrics
}

type brokerMetrics struct {
	published  atomic.Uint64
	unroutable atomic.Uint64
	delivered  atomic.Uint64
	acked      atomic.Uint64
}

// Stats is a snapshot of broker telemetry.
type Stats struct {
	Dials       int64
	Connections int
	Exchanges   int
	Queues      int
	Published   uint64
	Unroutable  uint64
	Delivered   uint64
	Acked       uint64
}

// NewBroker creates an empty broker.
func NewBroker(cfg Config) *Broker {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	return &Broker{
		cfg:       cfg,
		exchanges: make(map[string]bool),
		queues:    make(map[string]*queue),
		conns:     make(map[*Conn]struct{}),
	}
}

var (
	namedMu sync.Mutex
	named   = map[string]*Broker{}
)

// Named returns the process-wide broker registered under name, creating it
// with cfg on first use.
func Named(name string, cfg Config) *Broker {
	namedMu.Lock()
	defer namedMu.Unlock()
	if b, ok := named[name]; ok {
		return b
	}
	b := NewBroker(cfg)
	named[name] = b
	return b
}

// Dial resolves memory://<name>?buffer_size=N to a named broker and connects.
func Dial(ctx context.Context, rawURL string) (xmsg.Connection, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(u.Scheme, Scheme) {
		return nil, fmt.Errorf("memory: unsupported scheme %q", u.Scheme)
	}
	return Named(u.Host, ConfigFromValues(u.Query())).Connect(ctx)
}

// Dialer returns an xmsg.Dialer bound to b, ignoring the URL.
func (b *Broker) Dialer() xmsg.Dialer {
	return func(ctx context.Context, _ string) (xmsg.Connection, error) {
		return b.Connect(ctx)
	}
}

// Connect opens a new connection.
func (b *Broker) Connect(ctx context.Context) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.dials.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return nil, ErrBrokerDown
	}
	c := &Conn{broker: b, channels: make(map[*Channel]struct{})}
	b.conns[c] = struct{}{}
	return c, nil
}

// Disconnect drops every open connection, as if the network failed.
func (b *Broker) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		b.closeConnLocked(c)
	}
}

// SetDown makes subsequent dials fail (true) or succeed (false). Going down
// also drops every open connection.
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
	if down {
		b.Disconnect()
	}
}

// Stats returns a snapshot of broker telemetry.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	conns, exchanges, queues := len(b.conns), len(b.exchanges), len(b.queues)
	b.mu.Unlock()
	return Stats{
		Dials:       b.dials.Load(),
		Connections: conns,
		Exchanges:   exchanges,
		Queues:      queues,
		Published:   b.metrics.published.Load(),
		Unroutable:  b.metrics.unroutable.Load(),
		Delivered:   b.metrics.delivered.Load(),
		Acked:       b.metrics.acked.Load(),
	}
}

// HasQueue reports whether a queue named name currently exists.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

func (b *Broker) closeConnLocked(c *Conn) {
	if c.closed.Swap(true) {
		return
	}
	for ch := range c.channels {
		b.closeChannelLocked(ch)
	}
	for name, q := range b.queues {
		if q.owner == c {
			b.deleteQueueLocked(name)
		}
	}
	delete(b.conns, c)
}

func (b *Broker) closeChannelLocked(ch *Channel) {
	if ch.closed.Swap(true) {
		return
	}
	for tag, cons := range ch.consumers {
		b.cancelConsumerLocked(cons)
		delete(ch.consumers, tag)
	}
	delete(ch.conn.channels, ch)
}

func (b *Broker) cancelConsumerLocked(cons *consumer) {
	cons.stopOnce.Do(func() { close(cons.stop) })
	<-cons.done

	q := cons.queue
	delete(q.consumers, cons)
	if q.autoDelete && len(q.consumers) == 0 && b.queues[q.name] == q {
		b.deleteQueueLocked(q.name)
	}
}

func (b *Broker) deleteQueueLocked(name string) {
	q, ok := b.queues[name]
	if !ok {
		return
	}
	for cons := range q.consumers {
		cons.stopOnce.Do(func() { close(cons.stop) })
		<-cons.done
		delete(cons.channel.consumers, cons.tag)
	}
	close(q.gone)
	delete(b.queues, name)
}

type message struct {
	exchange    string
	routingKey  string
	body        []byte
	contentType string
	timestamp   time.Time
}

type binding struct {
	exchange string
	pattern  string
}

type queue struct {
	name       string
	owner      *Conn // non-nil when exclusive
	autoDelete bool
	durable    bool
	bindings   []binding
	buf        chan *message
	consumers  map[*consumer]struct{}
	gone       chan struct{}
}

func (q *queue) routes(exchange, routingKey string) bool {
	for _, bnd := range q.bindings {
		if bnd.exchange == exchange && matchTopic(bnd.pattern, routingKey) {
			return true
		}
	}
	return false
}

// Conn is a connection to a Broker.
type Conn struct {
	broker   *Broker
	channels map[*Channel]struct{} // guarded by broker.mu
	closed   atomic.Bool
}

var _ xmsg.Connection = (*Conn)(nil)

func (c *Conn) Channel() (xmsg.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}
	ch := &Channel{conn: c, consumers: make(map[string]*consumer)}
	c.channels[ch] = struct{}{}
	return ch, nil
}

func (c *Conn) IsClosed() bool { return c.closed.Load() }

func (c *Conn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.closeConnLocked(c)
	return nil
}

// Channel is a session on a Conn.
type Channel struct {
	conn      *Conn
	consumers map[string]*consumer // guarded by broker.mu
	closed    atomic.Bool
}

var _ xmsg.Channel = (*Channel)(nil)

// failLocked closes the channel and returns err, mirroring AMQP channel exceptions.
func (ch *Channel) failLocked(err error) error {
	ch.conn.broker.closeChannelLocked(ch)
	return err
}

func (ch *Channel) ExchangeDeclare(name string, durable bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed.Load() {
		return ErrChannelClosed
	}
	if d, ok := b.exchanges[name]; ok {
		if d != durable {
			return ch.failLocked(fmt.Errorf("memory: exchange %q redeclared with different durability", name))
		}
		return nil
	}
	b.exchanges[name] = durable
	return nil
}

func (ch *Channel) QueueDeclare(name string, opts xmsg.QueueOptions) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed.Load() {
		return ErrChannelClosed
	}
	if q, ok := b.queues[name]; ok {
		if q.owner != nil && q.owner != ch.conn {
			return ch.failLocked(fmt.Errorf("memory: queue %q is exclusive to another connection", name))
		}
		return nil
	}
	q := &queue{
		name:       name,
		autoDelete: opts.AutoDelete,
		durable:    opts.Durable,
		buf:        make(chan *message, b.cfg.BufferSize),
		consumers:  make(map[*consumer]struct{}),
		gone:       make(chan struct{}),
	}
	if opts.Exclusive {
		q.owner = ch.conn
	}
	b.queues[name] = q
	return nil
}

func (ch *Channel) QueueBind(queueName, routingKey, exchange string) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed.Load() {
		return ErrChannelClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return ch.failLocked(fmt.Errorf("memory: no queue %q", queueName))
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return ch.failLocked(fmt.Errorf("memory: no exchange %q", exchange))
	}
	q.bindings = append(q.bindings, binding{exchange: exchange, pattern: routingKey})
	return nil
}

func (ch *Channel) Consume(queueName, tag string) (<-chan xmsg.Delivery, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed.Load() {
		return nil, ErrChannelClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.failLocked(fmt.Errorf("memory: no queue %q", queueName))
	}
	if q.owner != nil && q.owner != ch.conn {
		return nil, ch.failLocked(fmt.Errorf("memory: queue %q is exclusive to another connection", queueName))
	}
	if _, dup := ch.consumers[tag]; dup {
		return nil, ch.failLocked(fmt.Errorf("memory: consumer tag %q already in use", tag))
	}

	cons := &consumer{
		tag:     tag,
		channel: ch,
		queue:   q,
		out:     make(chan xmsg.Delivery),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	ch.consumers[tag] = cons
	q.consumers[cons] = struct{}{}
	go cons.run(b)
	return cons.out, nil
}

func (ch *Channel) Cancel(tag string) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed.Load() {
		return ErrChannelClosed
	}
	cons, ok := ch.consumers[tag]
	if !ok {
		return ch.failLocked(fmt.Errorf("memory: unknown consumer tag %q", tag))
	}
	delete(ch.consumers, tag)
	b.cancelConsumerLocked(cons)
	return nil
}

// Publish routes msg to every queue bound to exchange with a matching pattern.
// Unroutable messages are dropped.
func (ch *Channel) Publish(ctx context.Context, exchange, routingKey string, p xmsg.Publishing) error {
	b := ch.conn.broker
	b.mu.Lock()
	if ch.closed.Load() {
		b.mu.Unlock()
		return ErrChannelClosed
	}
	if _, ok := b.exchanges[exchange]; !ok {
		err := ch.failLocked(fmt.Errorf("memory: no exchange %q", exchange))
		b.mu.Unlock()
		return err
	}
	var targets []*queue
	for _, q := range b.queues {
		if q.routes(exchange, routingKey) {
			targets = append(targets, q)
		}
	}
	b.mu.Unlock()

	b.metrics.published.Add(1)
	if len(targets) == 0 {
		b.metrics.unroutable.Add(1)
		return nil
	}

	body := make([]byte, len(p.Body))
	copy(body, p.Body)
	m := &message{
		exchange:    exchange,
		routingKey:  routingKey,
		body:        body,
		contentType: p.ContentType,
		timestamp:   p.Timestamp,
	}
	for _, q := range targets {
		select {
		case q.buf <- m:
		case <-q.gone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (ch *Channel) IsClosed() bool { return ch.closed.Load() }

func (ch *Channel) Close() error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeChannelLocked(ch)
	return nil
}

type consumer struct {
	tag      string
	channel  *Channel
	queue    *queue
	out      chan xmsg.Delivery
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// run pumps queued messages to out until stopped. A message taken from the
// queue but not handed out is put back.
func (c *consumer) run(b *Broker) {
	defer close(c.done)
	defer close(c.out)
	for {
		select {
		case <-c.stop:
			return
		case m := <-c.queue.buf:
			d := &delivery{msg: m, channel: c.channel, broker: b}
			select {
			case c.out <- d:
				b.metrics.delivered.Add(1)
			case <-c.stop:
				select {
				case c.queue.buf <- m:
				default:
				}
				return
			}
		}
	}
}

type delivery struct {
	msg     *message
	channel *Channel
	broker  *Broker
	acked   atomic.Bool
}

func (d *delivery) Body() []byte       { return d.msg.body }
func (d *delivery) Exchange() string   { return d.msg.exchange }
func (d *delivery) RoutingKey() string { return d.msg.routingKey }

// Ack fails once the channel that received the delivery has closed.
func (d *delivery) Ack() error {
	if d.channel.IsClosed() {
		return ErrChannelClosed
	}
	if !d.acked.Swap(true) {
		d.broker.metrics.acked.Add(1)
	}
	return nil
}

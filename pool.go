package xmsg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/trickstertwo/xlog"
)

// PoolConfig configures a channel Pool.
type PoolConfig struct {
	Name    string
	URL     string
	Size    int
	Dialer  Dialer
	Logger  *xlog.Logger
	Metrics *Metrics
	// Notify receives pool lifecycle events (optional).
	Notify func(Event)
}

// Pool hands out broker channels opened on one shared connection.
//
// A resource moves Unborn -> Created -> InUse/Idle -> Recycled -> Idle or
// Destroyed. Channels are created lazily on Acquire; the shared connection is
// checked, and replaced when it reports closed, under connMu so that a
// reconnect is atomic with respect to other acquirers. A channel that is no
// longer alive when it comes back, or when it is picked from the idle set,
// is destroyed and never reissued.
type Pool struct {
	name    string
	url     string
	dial    Dialer
	logger  *xlog.Logger
	metrics *Metrics
	notify  func(Event)

	connMu sync.Mutex
	conn   Connection
	closed bool

	res *puddle.Pool[Channel]
}

// NewPool connects to the broker and returns a bounded channel pool.
func NewPool(ctx context.Context, cfg PoolConfig) (*Pool, error) {
	if cfg.Dialer == nil {
		return nil, &PoolError{Pool: cfg.Name, Op: "init", Err: ErrNoDialer}
	}
	if cfg.Size < 1 {
		return nil, &PoolError{Pool: cfg.Name, Op: "init", Err: fmt.Errorf("size must be >= 1, got %d", cfg.Size)}
	}
	if cfg.Logger == nil {
		cfg.Logger = xlog.Default()
	}
	if cfg.Notify == nil {
		cfg.Notify = func(Event) {}
	}

	conn, err := cfg.Dialer(ctx, cfg.URL)
	if err != nil {
		return nil, &PoolError{Pool: cfg.Name, Op: "connect", Err: err}
	}

	p := &Pool{
		name:    cfg.Name,
		url:     cfg.URL,
		dial:    cfg.Dialer,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		notify:  cfg.Notify,
		conn:    conn,
	}

	rp, err := puddle.NewPool(&puddle.Config[Channel]{
		Constructor: p.create,
		Destructor:  p.destroy,
		MaxSize:     int32(cfg.Size),
	})
	if err != nil {
		_ = conn.Close()
		return nil, &PoolError{Pool: cfg.Name, Op: "init", Err: err}
	}
	p.res = rp
	return p, nil
}

// create opens a channel, reconnecting the shared connection first if needed.
func (p *Pool) create(ctx context.Context) (Channel, error) {
	p.connMu.Lock()
	defer p.connMu.Unlock()

	if p.closed {
		return nil, ErrClientClosed
	}

	if p.conn == nil || p.conn.IsClosed() {
		conn, err := p.dial(ctx, p.url)
		if err != nil {
			return nil, fmt.Errorf("reconnect: %w", err)
		}
		if p.conn != nil {
			_ = p.conn.Close()
		}
		p.conn = conn

		p.metrics.reconnected(p.name)
		p.notify(Event{Type: Reconnected, Pool: p.name})
		p.logger.Info().Str("pool", p.name).Msg("xmsg: broker connection re-established")
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	p.metrics.channelCreated(p.name)
	p.notify(Event{Type: ChannelCreated, Pool: p.name})
	return ch, nil
}

func (p *Pool) destroy(ch Channel) {
	if !ch.IsClosed() {
		_ = ch.Close()
	}
}

// Acquire blocks until a live channel is available or creatable, or ctx ends.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	for {
		res, err := p.res.Acquire(ctx)
		if err != nil {
			if errors.Is(err, puddle.ErrClosedPool) {
				err = ErrClientClosed
			}
			return nil, &PoolError{Pool: p.name, Op: "acquire", Err: err}
		}
		if res.Value().IsClosed() {
			// died while idle
			p.discard(res, errors.New("channel closed while idle"))
			continue
		}
		return &Lease{pool: p, res: res}, nil
	}
}

// recycle returns a channel to the idle set if it is still alive.
func (p *Pool) recycle(res *puddle.Resource[Channel]) {
	if res.Value().IsClosed() {
		p.discard(res, errors.New("channel disconnected"))
		return
	}
	res.Release()
}

func (p *Pool) discard(res *puddle.Resource[Channel], reason error) {
	res.Destroy()
	p.metrics.channelDiscarded(p.name)
	p.notify(Event{Type: ChannelDiscarded, Pool: p.name, Err: reason})
}

// Connected reports whether the shared connection is currently open.
func (p *Pool) Connected() bool {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return p.conn != nil && !p.conn.IsClosed()
}

// PoolSnapshot is a point-in-time view of a Pool.
type PoolSnapshot struct {
	Name          string
	Connected     bool
	Total         int32
	Idle          int32
	Acquired      int32
	Constructing  int32
	Max           int32
	AcquireCount  int64
	EmptyAcquires int64
	AcquireWait   time.Duration
}

func (p *Pool) Stats() PoolSnapshot {
	st := p.res.Stat()
	return PoolSnapshot{
		Name:          p.name,
		Connected:     p.Connected(),
		Total:         st.TotalResources(),
		Idle:          st.IdleResources(),
		Acquired:      st.AcquiredResources(),
		Constructing:  st.ConstructingResources(),
		Max:           st.MaxResources(),
		AcquireCount:  st.AcquireCount(),
		EmptyAcquires: st.EmptyAcquireCount(),
		AcquireWait:   st.AcquireDuration(),
	}
}

// Close destroys idle channels, waits for leased ones to come back, then
// closes the shared connection.
func (p *Pool) Close() error {
	p.res.Close()

	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn.Close()
	}
	return nil
}

// Lease is an exclusively owned, checked-out channel.
type Lease struct {
	pool *Pool
	res  *puddle.Resource[Channel]
	once sync.Once
}

func (l *Lease) Channel() Channel { return l.res.Value() }

// Release returns the channel to its pool; dead channels are discarded.
func (l *Lease) Release() {
	l.once.Do(func() { l.pool.recycle(l.res) })
}

// Discard destroys the channel instead of returning it.
func (l *Lease) Discard(reason error) {
	l.once.Do(func() { l.pool.discard(l.res, reason) })
}

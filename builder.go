package xmsg

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xmsg/snowflake"
)

// ClientBuilder constructs Client instances (Builder pattern).
type ClientBuilder struct {
	cfg        Config
	dialer     Dialer
	logger     *xlog.Logger
	clock      xclock.Clock
	entropy    snowflake.Entropy
	registerer prometheus.Registerer
	observers  []Observer

	observerWorkers int
	observerBuffer  int
}

// NewClientBuilder returns a builder seeded with Defaults().
func NewClientBuilder() *ClientBuilder {
	return &ClientBuilder{
		cfg:             Defaults(),
		observerWorkers: 4,
		observerBuffer:  1024,
	}
}

func (cb *ClientBuilder) WithConfig(cfg Config) *ClientBuilder {
	cb.cfg = cfg
	return cb
}

func (cb *ClientBuilder) WithURL(url string) *ClientBuilder {
	cb.cfg.URL = url
	return cb
}

// WithDialer bypasses the scheme registry.
func (cb *ClientBuilder) WithDialer(d Dialer) *ClientBuilder {
	cb.dialer = d
	return cb
}

func (cb *ClientBuilder) WithPoolSizes(publish, consume int) *ClientBuilder {
	cb.cfg.PublishPoolSize = publish
	cb.cfg.ConsumePoolSize = consume
	return cb
}

func (cb *ClientBuilder) WithExchanges(exchanges ...Exchange) *ClientBuilder {
	cb.cfg.Exchanges = exchanges
	return cb
}

func (cb *ClientBuilder) WithPublishRetry(r RetryConfig) *ClientBuilder {
	cb.cfg.PublishRetry = r
	return cb
}

func (cb *ClientBuilder) WithLogger(l *xlog.Logger) *ClientBuilder {
	cb.logger = l
	return cb
}

func (cb *ClientBuilder) WithClock(c xclock.Clock) *ClientBuilder {
	cb.clock = c
	return cb
}

// WithEntropy replaces the salt source used for queue names.
func (cb *ClientBuilder) WithEntropy(e snowflake.Entropy) *ClientBuilder {
	cb.entropy = e
	return cb
}

// WithMetrics registers Prometheus collectors with reg.
func (cb *ClientBuilder) WithMetrics(reg prometheus.Registerer) *ClientBuilder {
	cb.registerer = reg
	return cb
}

func (cb *ClientBuilder) WithObserver(obs ...Observer) *ClientBuilder {
	for _, o := range obs {
		if o != nil {
			cb.observers = append(cb.observers, o)
		}
	}
	return cb
}

// WithObserverPool sizes the async observer dispatcher.
func (cb *ClientBuilder) WithObserverPool(workers, bufferSize int) *ClientBuilder {
	cb.observerWorkers = workers
	cb.observerBuffer = bufferSize
	return cb
}

// Build connects both pools and declares the configured exchanges.
func (cb *ClientBuilder) Build(ctx context.Context) (*Client, error) {
	if err := cb.cfg.Validate(); err != nil {
		return nil, err
	}

	dial := cb.dialer
	if dial == nil {
		d, err := DialerFor(cb.cfg.URL)
		if err != nil {
			return nil, err
		}
		dial = d
	}

	clk := cb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := cb.logger
	if lg == nil {
		lg = xlog.Default()
	}
	entropy := cb.entropy
	if entropy == nil {
		entropy = snowflake.ProcessEntropy
	}

	var metrics *Metrics
	if cb.registerer != nil {
		m, err := NewMetrics(cb.registerer)
		if err != nil {
			return nil, err
		}
		metrics = m
	}

	retry := cb.cfg.PublishRetry
	retryIf := retry.RetryIf
	retry.RetryIf = func(err error) bool {
		if errors.Is(err, ErrClientClosed) {
			return false
		}
		return retryIf == nil || retryIf(err)
	}

	c := &Client{
		ids:          snowflake.NewGenerator(entropy, clk),
		clock:        clk,
		logger:       lg,
		metrics:      metrics,
		retry:        retry,
		observerPool: NewObserverPool(context.Background(), cb.observerWorkers, cb.observerBuffer),
		streams:      make(map[streamHandle]struct{}),
	}
	c.observerPool.onDrop = metrics.observerDropped

	hasLoggingObserver := false
	for _, o := range cb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		c.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range cb.observers {
		c.AddObserver(o)
	}

	abort := func(err error) (*Client, error) {
		if c.publish != nil {
			_ = c.publish.Close()
		}
		if c.consume != nil {
			_ = c.consume.Close()
		}
		_ = c.observerPool.Close(0)
		return nil, err
	}

	pub, err := NewPool(ctx, PoolConfig{
		Name:    publishPoolName,
		URL:     cb.cfg.URL,
		Size:    cb.cfg.PublishPoolSize,
		Dialer:  dial,
		Logger:  lg,
		Metrics: metrics,
		Notify:  c.notifyAsync,
	})
	if err != nil {
		return abort(err)
	}
	c.publish = pub

	if err := c.declareExchanges(ctx, cb.cfg.Exchanges); err != nil {
		return abort(err)
	}

	con, err := NewPool(ctx, PoolConfig{
		Name:    consumePoolName,
		URL:     cb.cfg.URL,
		Size:    cb.cfg.ConsumePoolSize,
		Dialer:  dial,
		Logger:  lg,
		Metrics: metrics,
		Notify:  c.notifyAsync,
	})
	if err != nil {
		return abort(err)
	}
	c.consume = con

	lg.Info().
		Str("url_scheme", scheme(cb.cfg.URL)).
		Float64("publish_pool", float64(cb.cfg.PublishPoolSize)).
		Float64("consume_pool", float64(cb.cfg.ConsumePoolSize)).
		Msg("xmsg: client ready")
	return c, nil
}

// declareExchanges declares every exchange as a durable topic exchange.
func (c *Client) declareExchanges(ctx context.Context, exchanges []Exchange) error {
	if len(exchanges) == 0 {
		return nil
	}
	lease, err := c.publish.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	for _, ex := range exchanges {
		if err := lease.Channel().ExchangeDeclare(string(ex), true); err != nil {
			return &PoolError{Pool: publishPoolName, Op: "declare exchange " + string(ex), Err: err}
		}
	}
	return nil
}

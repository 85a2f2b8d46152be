package xmsg

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of a Client. A nil *Metrics is a no-op.
type Metrics struct {
	ChannelsCreated   *prometheus.CounterVec
	ChannelsDiscarded *prometheus.CounterVec
	Reconnects        *prometheus.CounterVec
	Published         *prometheus.CounterVec
	PublishErrors     *prometheus.CounterVec
	Consumed          *prometheus.CounterVec
	DecodeErrors      *prometheus.CounterVec
	AckErrors         *prometheus.CounterVec
	ObserverDropped   *prometheus.CounterVec
	PublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg when reg is non-nil.
// Collectors that are already registered are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ChannelsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xmsg",
			Subsystem: "pool",
			Name:      "channels_created_total",
			Help:      "Broker channels opened by the pool",
		}, []string{"pool"}),
		ChannelsDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xmsg",
			Subsystem: "pool",
			Name:      "channels_discarded_total",
			Help:      "Broker channels discarded because they were no longer alive",
		}, []string{"pool"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xmsg",
			Subsystem: "pool",
			Name:      "reconnects_total",
			Help:      "Broker connections replaced after a disconnect",
		}, []string{"pool"}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xmsg",
			Subsystem: "messages",
			Name:      "published_total",
			Help:      "Messages accepted by the broker",
		}, []string{"exchange"}),
		PublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xmsg",
			Subsystem: "messages",
			Name:      "publish_errors_total",
			Help:      "Publish calls that failed",
		}, []string{"exchange"}),
		Consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xmsg",
			Subsystem: "messages",
			Name:      "consumed_total",
			Help:      "Messages decoded and yielded to subscribers",
		}, []string{"exchange"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xmsg",
			Subsystem: "messages",
			Name:      "decode_errors_total",
			Help:      "Deliveries skipped because they could not be decoded",
		}, []string{"exchange"}),
		AckErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xmsg",
			Subsystem: "messages",
			Name:      "ack_errors_total",
			Help:      "Deliveries whose acknowledgment failed",
		}, []string{"exchange"}),
		ObserverDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xmsg",
			Subsystem: "observer",
			Name:      "events_dropped_total",
			Help:      "Lifecycle events dropped because the observer buffer was full",
		}, []string{"event"}),
		PublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "xmsg",
			Subsystem: "messages",
			Name:      "publish_duration_seconds",
			Help:      "Time from pool acquire to broker accepting the publish",
			Buckets:   prometheus.DefBuckets,
		}, []string{"exchange"}),
	}

	if reg == nil {
		return m, nil
	}

	register := func(c prometheus.Collector) (prometheus.Collector, error) {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return are.ExistingCollector, nil
			}
			return nil, err
		}
		return c, nil
	}

	for _, vec := range []**prometheus.CounterVec{
		&m.ChannelsCreated, &m.ChannelsDiscarded, &m.Reconnects,
		&m.Published, &m.PublishErrors, &m.Consumed, &m.DecodeErrors, &m.AckErrors,
		&m.ObserverDropped,
	} {
		c, err := register(*vec)
		if err != nil {
			return nil, err
		}
		*vec = c.(*prometheus.CounterVec)
	}
	c, err := register(m.PublishDuration)
	if err != nil {
		return nil, err
	}
	m.PublishDuration = c.(*prometheus.HistogramVec)

	return m, nil
}

func (m *Metrics) channelCreated(pool string) {
	if m != nil {
		m.ChannelsCreated.WithLabelValues(pool).Inc()
	}
}

func (m *Metrics) channelDiscarded(pool string) {
	if m != nil {
		m.ChannelsDiscarded.WithLabelValues(pool).Inc()
	}
}

func (m *Metrics) reconnected(pool string) {
	if m != nil {
		m.Reconnects.WithLabelValues(pool).Inc()
	}
}

func (m *Metrics) published(exchange Exchange, seconds float64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.PublishErrors.WithLabelValues(string(exchange)).Inc()
		return
	}
	m.Published.WithLabelValues(string(exchange)).Inc()
	m.PublishDuration.WithLabelValues(string(exchange)).Observe(seconds)
}

func (m *Metrics) consumed(exchange Exchange) {
	if m != nil {
		m.Consumed.WithLabelValues(string(exchange)).Inc()
	}
}

func (m *Metrics) decodeFailed(exchange Exchange) {
	if m != nil {
		m.DecodeErrors.WithLabelValues(string(exchange)).Inc()
	}
}

func (m *Metrics) ackFailed(exchange Exchange) {
	if m != nil {
		m.AckErrors.WithLabelValues(string(exchange)).Inc()
	}
}

func (m *Metrics) observerDropped(e EventType) {
	if m != nil {
		m.ObserverDropped.WithLabelValues(string(e)).Inc()
	}
}

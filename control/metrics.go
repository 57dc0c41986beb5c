// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus collectors for the transport. A nil *Metrics is valid and
// records nothing, so components never have to check for it.

package control

import (
	"errors"
	"time"

	"github.com/momentics/hioload-rpc/api"
	"github.com/prometheus/client_golang/prometheus"
)

const metricNamespace = "hioload_rpc"

// Connection roles used as label values.
const (
	RoleClient = "client"
	RoleServer = "server"
)

// Metrics groups every collector the engine updates.
type Metrics struct {
	connsOpened       *prometheus.CounterVec
	connsClosed       *prometheus.CounterVec
	connsRejected     prometheus.Counter
	handshakeDuration *prometheus.HistogramVec
	handshakeFailures *prometheus.CounterVec
	messages          *prometheus.CounterVec
	bytesRead         prometheus.Counter
	bytesWritten      prometheus.Counter
	poolActive        prometheus.Gauge
	poolIdle          prometheus.Gauge
	poolWaits         prometheus.Counter
	poolTimeouts      prometheus.Counter
	poolEvictions     prometheus.Counter
	pipelineBuffered  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with registerer.
// A nil registerer leaves them unregistered, which tests use to read values
// through testutil without touching the default registry.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		connsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "connections_opened_total",
			Help:      "Connections that became usable",
		}, []string{"role"}),
		connsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "connections_closed_total",
			Help:      "Connections torn down, by reason",
		}, []string{"role", "reason"}),
		connsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "server_connections_rejected_total",
			Help:      "Accepted sockets closed by the accept filter",
		}),
		handshakeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricNamespace,
			Name:      "handshake_duration_seconds",
			Help:      "Duration of successful TLS handshakes",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"role"}),
		handshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "handshake_failures_total",
			Help:      "Failed TLS handshakes, by reason",
		}, []string{"role", "reason"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "messages_dispatched_total",
			Help:      "Complete inbound messages handed to endpoints",
		}, []string{"role"}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "socket_read_bytes_total",
			Help:      "Bytes read from sockets",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "socket_written_bytes_total",
			Help:      "Bytes written to sockets",
		}),
		poolActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "pool_active_connections",
			Help:      "Pooled connections currently leased",
		}),
		poolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "pool_idle_connections",
			Help:      "Pooled connections available for reuse",
		}),
		poolWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "pool_waits_total",
			Help:      "Acquisitions that had to wait for capacity",
		}),
		poolTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "pool_timeouts_total",
			Help:      "Acquisitions that gave up waiting",
		}),
		poolEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "pool_evictions_total",
			Help:      "Idle connections closed to make room",
		}),
		pipelineBuffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "pipeline_buffered_responses",
			Help:      "Responses parked waiting for an earlier request",
		}),
	}
	if registerer != nil {
		m.connsOpened = register(registerer, m.connsOpened)
		m.connsClosed = register(registerer, m.connsClosed)
		m.connsRejected = register(registerer, m.connsRejected)
		m.handshakeDuration = register(registerer, m.handshakeDuration)
		m.handshakeFailures = register(registerer, m.handshakeFailures)
		m.messages = register(registerer, m.messages)
		m.bytesRead = register(registerer, m.bytesRead)
		m.bytesWritten = register(registerer, m.bytesWritten)
		m.poolActive = register(registerer, m.poolActive)
		m.poolIdle = register(registerer, m.poolIdle)
		m.poolWaits = register(registerer, m.poolWaits)
		m.poolTimeouts = register(registerer, m.poolTimeouts)
		m.poolEvictions = register(registerer, m.poolEvictions)
		m.pipelineBuffered = register(registerer, m.pipelineBuffered)
	}
	return m
}

// register adds c to reg, adopting the collector already registered under
// the same descriptor so several engines can share one registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	panic(err)
}

// ConnOpened counts a connection that finished connecting (and handshaking).
func (m *Metrics) ConnOpened(role string) {
	if m == nil {
		return
	}
	m.connsOpened.WithLabelValues(role).Inc()
}

// ConnClosed counts a teardown; a nil err is a graceful close.
func (m *Metrics) ConnClosed(role string, err error) {
	if m == nil {
		return
	}
	reason := "graceful"
	if err != nil {
		reason = api.KindOf(err).String()
	}
	m.connsClosed.WithLabelValues(role, reason).Inc()
}

// ConnRejected counts a socket dropped by the accept filter.
func (m *Metrics) ConnRejected() {
	if m == nil {
		return
	}
	m.connsRejected.Inc()
}

// HandshakeDone records a finished handshake, successful or not.
func (m *Metrics) HandshakeDone(role string, d time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.handshakeFailures.WithLabelValues(role, api.KindOf(err).String()).Inc()
		return
	}
	m.handshakeDuration.WithLabelValues(role).Observe(d.Seconds())
}

// MessageDispatched counts one complete inbound message.
func (m *Metrics) MessageDispatched(role string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(role).Inc()
}

// BytesRead adds n socket bytes read.
func (m *Metrics) BytesRead(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesRead.Add(float64(n))
}

// BytesWritten adds n socket bytes written.
func (m *Metrics) BytesWritten(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesWritten.Add(float64(n))
}

// PoolSize publishes the pool occupancy.
func (m *Metrics) PoolSize(active, idle int) {
	if m == nil {
		return
	}
	m.poolActive.Set(float64(active))
	m.poolIdle.Set(float64(idle))
}

// PoolWaited counts an acquisition that queued for capacity.
func (m *Metrics) PoolWaited() {
	if m == nil {
		return
	}
	m.poolWaits.Inc()
}

// PoolTimedOut counts an acquisition that gave up.
func (m *Metrics) PoolTimedOut() {
	if m == nil {
		return
	}
	m.poolTimeouts.Inc()
}

// PoolEvicted counts an idle connection closed to free capacity.
func (m *Metrics) PoolEvicted() {
	if m == nil {
		return
	}
	m.poolEvictions.Inc()
}

// PipelineBuffered moves the parked response gauge by delta.
func (m *Metrics) PipelineBuffered(delta int) {
	if m == nil {
		return
	}
	m.pipelineBuffered.Add(float64(delta))
}

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flow_mcp"

// Transport records metrics for the streaming session transport.
// A nil *Transport is valid and records nothing.
type Transport struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	sessionsCreated prometheus.Counter
	sessionsClosed  prometheus.Counter
	eventsStored    prometheus.Counter
	eventsReplayed  prometheus.Counter
	subscribers     prometheus.Gauge
}

// NewTransport builds transport metrics on a fresh registry. activeSessions is
// sampled at scrape time.
func NewTransport(activeSessions func() int) *Transport {
	m := &Transport{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Protocol endpoint requests.",
			},
			[]string{"method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Protocol endpoint request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "status"},
		),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "created_total",
			Help:      "Sessions created by initialize calls.",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "closed_total",
			Help:      "Sessions terminated and evicted.",
		}),
		eventsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "stored_total",
			Help:      "Pushed messages persisted to the event log.",
		}),
		eventsReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "replayed_total",
			Help:      "Events replayed to resuming subscribers.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "streams",
			Name:      "subscribers",
			Help:      "Live push-stream subscribers.",
		}),
	}
	m.registry.MustRegister(
		m.requests,
		m.requestDuration,
		m.sessionsCreated,
		m.sessionsClosed,
		m.eventsStored,
		m.eventsReplayed,
		m.subscribers,
	)
	if activeSessions != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Sessions currently registered.",
		}, func() float64 { return float64(activeSessions()) }))
	}
	return m
}

// Handler serves the Prometheus exposition format.
func (m *Transport) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one protocol request.
func (m *Transport) ObserveRequest(method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	statusLabel := strconv.Itoa(status)
	m.requests.WithLabelValues(method, statusLabel).Inc()
	m.requestDuration.WithLabelValues(method, statusLabel).Observe(duration.Seconds())
}

// SessionCreated counts a new session.
func (m *Transport) SessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

// SessionClosed counts an evicted session.
func (m *Transport) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsClosed.Inc()
}

// EventStored counts a persisted push message.
func (m *Transport) EventStored() {
	if m == nil {
		return
	}
	m.eventsStored.Inc()
}

// EventsReplayed counts events flushed to a resuming subscriber.
func (m *Transport) EventsReplayed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsReplayed.Add(float64(n))
}

// SubscriberAttached increments the live subscriber gauge.
func (m *Transport) SubscriberAttached() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

// SubscriberDetached decrements the live subscriber gauge.
func (m *Transport) SubscriberDetached() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "orbd"

// Forward results.
const (
	ResultForward        = "forward"
	ResultObjectNotExist = "object_not_exist"
)

// Metrics holds the daemon's collectors. A nil *Metrics records nothing.
type Metrics struct {
	activations   *prometheus.CounterVec
	registrations prometheus.Counter
	endpoints     prometheus.Counter
	locates       *prometheus.CounterVec
	forwards      *prometheus.CounterVec
	heldDown      prometheus.Counter
	invalidated   prometheus.Counter
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		activations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "activation",
				Name:      "spawns_total",
				Help:      "Server process spawn attempts.",
			},
			[]string{"success"},
		),
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "activation",
			Name:      "registrations_total",
			Help:      "Spawned servers that announced themselves as active.",
		}),
		endpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "activation",
			Name:      "orb_registrations_total",
			Help:      "ORB endpoint lists published by servers.",
		}),
		locates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "locator",
				Name:      "requests_total",
				Help:      "Locate requests by outcome code.",
			},
			[]string{"kind", "code"},
		),
		forwards: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "locator",
				Name:      "forwards_total",
				Help:      "Object requests handled by the forwarding hook.",
			},
			[]string{"result"},
		),
		heldDown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "activation",
			Name:      "held_down_total",
			Help:      "Transitions of servers into the held-down state.",
		}),
		invalidated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "invalidated_total",
			Help:      "Servers found dead by the liveness monitor.",
		}),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.activations, m.registrations, m.endpoints, m.locates, m.forwards,
			m.heldDown, m.invalidated, m.httpRequests, m.httpDuration,
		)
	}
	return m
}

// RegisterActiveServers exposes the number of active servers as a gauge
// computed on scrape.
func (m *Metrics) RegisterActiveServers(reg prometheus.Registerer, count func() int) {
	if m == nil || reg == nil {
		return
	}
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "activation",
			Name:      "active_servers",
			Help:      "Servers currently registered and live.",
		},
		func() float64 { return float64(count()) },
	))
}

func (m *Metrics) RecordSpawn(success bool) {
	if m == nil {
		return
	}
	m.activations.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func (m *Metrics) RecordRegistration() {
	if m == nil {
		return
	}
	m.registrations.Inc()
}

func (m *Metrics) RecordEndpoints() {
	if m == nil {
		return
	}
	m.endpoints.Inc()
}

// RecordLocate counts a locate request. kind is "type" or "orb"; code is the
// error code, or "OK".
func (m *Metrics) RecordLocate(kind, code string) {
	if m == nil {
		return
	}
	m.locates.WithLabelValues(kind, code).Inc()
}

func (m *Metrics) RecordForward(result string) {
	if m == nil {
		return
	}
	m.forwards.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordHeldDown() {
	if m == nil {
		return
	}
	m.heldDown.Inc()
}

func (m *Metrics) RecordInvalidated(n int) {
	if m == nil || n == 0 {
		return
	}
	m.invalidated.Add(float64(n))
}

func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	m.httpDuration.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
}

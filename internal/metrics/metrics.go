package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// translationSLA is the per-statement translation time budget. Rewrites
// above it count as violations.
const translationSLA = 5 * time.Millisecond

// Collector holds all Prometheus metrics for the gateway.
type Collector struct {
	registry *prometheus.Registry

	sessionsActive      prometheus.Gauge
	sessionsTotal       prometheus.Counter
	queriesTotal        *prometheus.CounterVec
	queryDuration       *prometheus.HistogramVec
	translationDuration prometheus.Histogram
	translationSLAMiss  prometheus.Counter
	errorsTotal         *prometheus.CounterVec
	poolAcquireDuration prometheus.Histogram
	poolActive          prometheus.Gauge
	poolIdle            prometheus.Gauge
	poolWaiting         prometheus.Gauge
	poolExhausted       prometheus.Counter
	backendHealthy      prometheus.Gauge
	copyRows            *prometheus.CounterVec
	copyBytes           *prometheus.CounterVec
}

// New creates and registers all gateway metrics on a private registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "irisgate_sessions_active",
			Help: "Number of client sessions currently connected",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irisgate_sessions_total",
			Help: "Total number of client sessions accepted",
		}),
		queriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "irisgate_queries_total",
				Help: "Statements executed, by translation class",
			},
			[]string{"class"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "irisgate_query_duration_seconds",
				Help:    "End-to-end statement execution time",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"class"},
		),
		translationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "irisgate_translation_duration_seconds",
			Help:    "SQL translation time per statement",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 12),
		}),
		translationSLAMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irisgate_translation_sla_violations_total",
			Help: "Translations that exceeded the 5ms budget",
		}),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "irisgate_errors_total",
				Help: "Client-visible errors, by SQLSTATE class",
			},
			[]string{"class"},
		),
		poolAcquireDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "irisgate_pool_acquire_duration_seconds",
			Help:    "Time spent waiting for a pooled IRIS connection",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}),
		poolActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "irisgate_pool_connections_active",
			Help: "Leased IRIS connections",
		}),
		poolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "irisgate_pool_connections_idle",
			Help: "Idle IRIS connections",
		}),
		poolWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "irisgate_pool_waiting",
			Help: "Sessions waiting for a pooled connection",
		}),
		poolExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irisgate_pool_exhausted_total",
			Help: "Times a session had to wait because every connection was leased",
		}),
		backendHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "irisgate_backend_healthy",
			Help: "IRIS backend health (1=healthy, 0=degraded)",
		}),
		copyRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "irisgate_copy_rows_total",
				Help: "Rows moved by COPY, by direction",
			},
			[]string{"direction"},
		),
		copyBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "irisgate_copy_bytes_total",
				Help: "Bytes moved by COPY, by direction",
			},
			[]string{"direction"},
		),
	}

	c.registry.MustRegister(
		c.sessionsActive,
		c.sessionsTotal,
		c.queriesTotal,
		c.queryDuration,
		c.translationDuration,
		c.translationSLAMiss,
		c.errorsTotal,
		c.poolAcquireDuration,
		c.poolActive,
		c.poolIdle,
		c.poolWaiting,
		c.poolExhausted,
		c.backendHealthy,
		c.copyRows,
		c.copyBytes,
	)

	return c
}

// Registry exposes the private registry for the /metrics handler and for
// tests to gather from.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// SessionOpened increments the session gauges.
func (c *Collector) SessionOpened() {
	c.sessionsActive.Inc()
	c.sessionsTotal.Inc()
}

// SessionClosed decrements the active session gauge.
func (c *Collector) SessionClosed() {
	c.sessionsActive.Dec()
}

// QueryExecuted records one completed statement.
func (c *Collector) QueryExecuted(class string, d time.Duration) {
	c.queriesTotal.WithLabelValues(class).Inc()
	c.queryDuration.WithLabelValues(class).Observe(d.Seconds())
}

// TranslationObserved records one translation and its SLA outcome.
func (c *Collector) TranslationObserved(d time.Duration) {
	c.translationDuration.Observe(d.Seconds())
	if d > translationSLA {
		c.translationSLAMiss.Inc()
	}
}

// ErrorReturned counts a client-visible error by its SQLSTATE class (the
// first two code characters).
func (c *Collector) ErrorReturned(sqlstate string) {
	class := sqlstate
	if len(class) > 2 {
		class = class[:2]
	}
	c.errorsTotal.WithLabelValues(class).Inc()
}

// PoolAcquire records how long a lease acquisition took.
func (c *Collector) PoolAcquire(d time.Duration) {
	c.poolAcquireDuration.Observe(d.Seconds())
}

// PoolExhausted counts an exhaustion event.
func (c *Collector) PoolExhausted() {
	c.poolExhausted.Inc()
}

// UpdatePoolStats refreshes the pool gauges.
func (c *Collector) UpdatePoolStats(active, idle, waiting int) {
	c.poolActive.Set(float64(active))
	c.poolIdle.Set(float64(idle))
	c.poolWaiting.Set(float64(waiting))
}

// SetBackendHealth sets the backend health gauge.
func (c *Collector) SetBackendHealth(healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.backendHealthy.Set(val)
}

// CopyProgress accumulates COPY volume. direction is "in" or "out".
func (c *Collector) CopyProgress(direction string, rows, bytes int64) {
	c.copyRows.WithLabelValues(direction).Add(float64(rows))
	c.copyBytes.WithLabelValues(direction).Add(float64(bytes))
}

// Package metrics provides Prometheus instrumentation for txguard.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "txguard"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AssessmentsTotal counts composite assessments by risk level.
	AssessmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assessments_total",
			Help:      "Total risk assessments by resulting level.",
		},
		[]string{"level"},
	)

	// AssessmentDuration observes the time spent building context and scoring.
	AssessmentDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "assessment_duration_seconds",
		Help:      "Time to evaluate a transaction, including context lookups.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// SignalScore observes per-signal scores.
	SignalScore = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "signal_score",
			Help:      "Distribution of individual signal scores.",
			Buckets:   []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
		[]string{"signal"},
	)

	// LedgerBlocks tracks the chain length including genesis.
	LedgerBlocks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "ledger_blocks",
		Help: "Number of blocks in the ledger, including genesis.",
	})
	// LedgerValid is 1 when the last audit passed.
	LedgerValid = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "ledger_valid",
		Help: "1 if the most recent ledger audit passed, 0 otherwise.",
	})

	// MiningDuration observes successful block sealing latency.
	MiningDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ledger_mining_duration_seconds",
		Help:      "Time to seal a block.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	// MiningFailuresTotal counts appends that did not produce a block.
	MiningFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_mining_failures_total",
			Help:      "Block appends abandoned by reason.",
		},
		[]string{"reason"},
	)

	// AlertsTotal counts alert deliveries by kind and result.
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alert deliveries by kind and result.",
		},
		[]string{"kind", "result"},
	)

	// BreakerState reports 0 closed, 1 half-open, 2 open.
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		},
		[]string{"name"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AssessmentsTotal,
		AssessmentDuration,
		SignalScore,
		LedgerBlocks,
		LedgerValid,
		MiningDuration,
		MiningFailuresTotal,
		AlertsTotal,
		BreakerState,
	)
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// SetLedgerValid records the outcome of an audit.
func SetLedgerValid(valid bool) {
	if valid {
		LedgerValid.Set(1)
		return
	}
	LedgerValid.Set(0)
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

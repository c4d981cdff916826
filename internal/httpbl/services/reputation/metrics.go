package reputation

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haukened/httpbl-authd/internal/httpbl/domain"
)

const (
	namespace = "httpbl"
	subsystem = "reputation"
)

var (
	lookupsTotal   *prometheus.CounterVec
	decisionsTotal *prometheus.CounterVec
	lookupSeconds  prometheus.Histogram
	metricsOnce    sync.Once
)

// initMetrics registers the service metrics once per process. Tests get a
// private registry so parallel packages never collide.
func initMetrics() {
	metricsOnce.Do(func() {
		var registry prometheus.Registerer = prometheus.DefaultRegisterer
		if testing.Testing() {
			registry = prometheus.NewRegistry()
		}

		lookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "lookups_total",
			Help:      "Total number of http:BL lookups by result kind.",
		}, []string{"result"})

		decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "decisions_total",
			Help:      "Total number of policy decisions by outcome.",
		}, []string{"decision"})

		lookupSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "lookup_duration_seconds",
			Help:      "Latency of the upstream DNS round trip for http:BL lookups.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		})

		registry.MustRegister(lookupsTotal, decisionsTotal, lookupSeconds)
	})
}

func incLookup(kind domain.ReputationKind) {
	if lookupsTotal != nil {
		lookupsTotal.WithLabelValues(kind.String()).Inc()
	}
}

func incDecision(block bool) {
	if decisionsTotal == nil {
		return
	}
	if block {
		decisionsTotal.WithLabelValues("block").Inc()
		return
	}
	decisionsTotal.WithLabelValues("allow").Inc()
}

func observeLookup(d time.Duration) {
	if lookupSeconds != nil {
		lookupSeconds.Observe(d.Seconds())
	}
}

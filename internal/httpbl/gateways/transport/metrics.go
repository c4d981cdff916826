package transport

import (
	"strconv"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal *prometheus.CounterVec
	metricsOnce   sync.Once
)

func initMetrics() {
	metricsOnce.Do(func() {
		var registry prometheus.Registerer = prometheus.DefaultRegisterer
		if testing.Testing() {
			registry = prometheus.NewRegistry()
		}

		requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "httpbl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by status code.",
		}, []string{"code"})

		registry.MustRegister(requestsTotal)
	})
}

func incRequest(code int) {
	requestsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

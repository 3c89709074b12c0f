package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	ReadLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "candleflow",
			Subsystem: "read_api",
			Name:      "latency_seconds",
			Help:      "Latency of candle read endpoints",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	ReadErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "candleflow",
			Subsystem: "read_api",
			Name:      "errors_total",
			Help:      "Errors by candle read endpoint and kind",
		},
		[]string{"endpoint", "kind"},
	)
)

// Register adds the read API collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(ReadLatency, ReadErrors)
	})
}

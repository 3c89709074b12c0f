package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pipelineStates = []string{"starting", "running", "draining", "stopped"}

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	tradesIngested *prometheus.CounterVec
	rejected       *prometheus.CounterVec
	candlesEmitted *prometheus.CounterVec
	recordsFlushed *prometheus.CounterVec
	errorsTotal    *prometheus.CounterVec
	lastPrice      *prometheus.GaugeVec
	pending        prometheus.Gauge
	state          *prometheus.GaugeVec
	latency        *prometheus.HistogramVec
}

// New creates a recorder registered on the default registry.
func New() *Recorder {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a recorder registered on reg.
func NewWithRegistry(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		tradesIngested: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candleflow_trades_ingested_total",
				Help: "Total number of trades received from sources",
			},
			[]string{"source", "symbol"},
		),
		rejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candleflow_records_rejected_total",
				Help: "Records dropped at the ingestion boundary",
			},
			[]string{"reason"},
		),
		candlesEmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candleflow_candles_emitted_total",
				Help: "Candles closed by the aggregator",
			},
			[]string{"symbol"},
		),
		recordsFlushed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candleflow_records_flushed_total",
				Help: "Records written to a sink",
			},
			[]string{"sink"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candleflow_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		lastPrice: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "candleflow_last_price",
				Help: "Last recorded price for a symbol",
			},
			[]string{"symbol"},
		),
		pending: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "candleflow_dispatcher_pending",
				Help: "Records buffered in the dispatcher",
			},
		),
		state: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "candleflow_pipeline_state",
				Help: "1 for the pipeline's current state, 0 otherwise",
			},
			[]string{"state"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "candleflow_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

func (r *Recorder) RecordTrades(source, symbol string, n int) {
	r.tradesIngested.WithLabelValues(source, symbol).Add(float64(n))
}

func (r *Recorder) RecordRejected(reason string) {
	r.rejected.WithLabelValues(reason).Inc()
}

func (r *Recorder) RecordCandle(symbol string) {
	r.candlesEmitted.WithLabelValues(symbol).Inc()
}

// RecordFlush records a successful sink write.
func (r *Recorder) RecordFlush(sink string, n int, seconds float64) {
	r.recordsFlushed.WithLabelValues(sink).Add(float64(n))
	r.latency.WithLabelValues("flush").Observe(seconds)
}

func (r *Recorder) RecordPending(n int) {
	r.pending.Set(float64(n))
}

func (r *Recorder) RecordState(state string) {
	for _, s := range pipelineStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.state.WithLabelValues(s).Set(v)
	}
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLastPrice records the last price for a symbol.
func (r *Recorder) RecordLastPrice(symbol string, price float64) {
	r.lastPrice.WithLabelValues(symbol).Set(price)
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

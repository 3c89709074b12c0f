package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewWithRegistry(reg)

	r.RecordTrades("kraken", "BTCUSDT", 3)
	r.RecordTrades("kraken", "BTCUSDT", 2)
	r.RecordFlush("kafka", 7, 0.01)
	r.RecordRejected("late_trade")

	assert.Equal(t, 5.0, testutil.ToFloat64(r.tradesIngested.WithLabelValues("kraken", "BTCUSDT")))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.recordsFlushed.WithLabelValues("kafka")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.rejected.WithLabelValues("late_trade")))
}

func TestRecorderStateIsExclusive(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewWithRegistry(reg)

	r.RecordState("running")
	r.RecordState("draining")

	assert.Equal(t, 0.0, testutil.ToFloat64(r.state.WithLabelValues("running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.state.WithLabelValues("draining")))

	n, err := testutil.GatherAndCount(reg, "candleflow_pipeline_state")
	require.NoError(t, err)
	assert.Equal(t, len(pipelineStates), n)
}

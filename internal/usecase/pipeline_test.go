package usecase

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CandleFlow/internal/domain/models"
	domrepo "CandleFlow/internal/domain/repository"
	mid "CandleFlow/internal/middleware"
	"CandleFlow/pkg/logger"
	"CandleFlow/pkg/metrics"
)

func testPipelineOptions() PipelineOptions {
	return PipelineOptions{
		Name:         "test",
		Mode:         ModeBackfill,
		Symbols:      []string{"BTCUSDT", "ETHUSDT"},
		Window:       time.Minute,
		ChannelSize:  8,
		PollInterval: 10 * time.Millisecond,
		Dispatcher: DispatcherOptions{
			BatchSize:   1,
			IdleTimeout: time.Hour,
		},
	}
}

func newTestPipeline(opts PipelineOptions, src domrepo.TradeSource, sink domrepo.Sink, extra ...PipelineOption) *Pipeline {
	guard := mid.NewTradeGuard(metrics.Nop{}, logger.Nop(), mid.WithSymbols(opts.Symbols))
	return NewPipeline(opts, src, sink, guard, metrics.Nop{}, logger.Nop(), extra...)
}

func TestPipelineBTCUSDTScenario(t *testing.T) {
	commits := &commitLog{}
	src := newSliceSource(
		domrepo.Delivery{
			Trades: []models.Trade{
				trade("BTCUSDT", 100, 1, 0),
				trade("BTCUSDT", 105, 2, 10000),
				trade("BTCUSDT", 95, 1, 59999),
			},
			Commit: commits.commit(1),
		},
		domrepo.Delivery{
			Trades: []models.Trade{trade("BTCUSDT", 101, 0.5, 60000)},
			Commit: commits.commit(2),
		},
	)
	sink := &memSink{}
	p := newTestPipeline(testPipelineOptions(), src, sink)

	require.NoError(t, p.Run(context.Background()))

	candles := sink.candles()
	require.Len(t, candles, 2)
	assert.Equal(t, models.Candle{
		Symbol: "BTCUSDT", WindowStartMs: 0, WindowEndMs: 60000,
		Open: 100, High: 105, Low: 95, Close: 95, Volume: 4,
	}, candles[0])
	assert.Equal(t, int64(60000), candles[1].WindowStartMs)
	assert.Equal(t, 101.0, candles[1].Open)
	assert.Equal(t, 0.5, candles[1].Volume)

	assert.Equal(t, []int{1, 2}, commits.committed())
	assert.Equal(t, StateStopped, p.State())
	assert.Equal(t, 1, sink.inits)
	assert.True(t, sink.closed)
}

func TestPipelinePassthroughWritesTrades(t *testing.T) {
	commits := &commitLog{}
	src := newSliceSource(
		domrepo.Delivery{Trades: []models.Trade{trade("BTCUSDT", 1, 1, 1), trade("ETHUSDT", 2, 1, 2)}, Commit: commits.commit(1)},
		domrepo.Delivery{Trades: []models.Trade{trade("BTCUSDT", 3, 1, 3)}, Commit: commits.commit(2)},
	)
	sink := &memSink{}
	opts := testPipelineOptions()
	opts.Window = 0
	opts.Dispatcher.BatchSize = 2

	require.NoError(t, newTestPipeline(opts, src, sink).Run(context.Background()))

	recs := sink.records()
	require.Len(t, recs, 3)
	assert.Equal(t, 2, sink.batchCount())
	assert.Equal(t, []int{1, 2}, commits.committed())
}

func TestPipelineCandleDeliveriesSkipAggregation(t *testing.T) {
	commits := &commitLog{}
	c := models.Candle{Symbol: "ETHUSDT", WindowStartMs: 0, WindowEndMs: 60000, Open: 1, High: 2, Low: 1, Close: 2, Volume: 3}
	src := newSliceSource(domrepo.Delivery{Candles: []models.Candle{c}, Commit: commits.commit(1)})
	sink := &memSink{}

	require.NoError(t, newTestPipeline(testPipelineOptions(), src, sink).Run(context.Background()))
	assert.Equal(t, []models.Candle{c}, sink.candles())
	assert.Equal(t, []int{1}, commits.committed())
}

func TestPipelineDropsMalformedAndUnknown(t *testing.T) {
	commits := &commitLog{}
	src := newSliceSource(domrepo.Delivery{
		Trades: []models.Trade{
			trade("BTCUSDT", -1, 1, 1),
			trade("DOGEUSDT", 1, 1, 1),
			trade("btcusdt", 10, 2, 5),
		},
		Commit: commits.commit(1),
	})
	sink := &memSink{}

	require.NoError(t, newTestPipeline(testPipelineOptions(), src, sink).Run(context.Background()))
	candles := sink.candles()
	require.Len(t, candles, 1)
	assert.Equal(t, "BTCUSDT", candles[0].Symbol)
	assert.Equal(t, 2.0, candles[0].Volume)
	assert.Equal(t, []int{1}, commits.committed())
}

func TestPipelineEdgeTrades(t *testing.T) {
	commits := &commitLog{}
	src := newSliceSource(
		domrepo.Delivery{
			Trades: []models.Trade{
				trade("BTCUSDT", 100, 1, 0),
				trade("BTCUSDT", 101, 0, 30000),
				trade("BTCUSDT", math.NaN(), 1, 40000),
			},
			Commit: commits.commit(1),
		},
		domrepo.Delivery{
			Trades: []models.Trade{trade("ETHUSDT", math.NaN(), 1, 0)},
			Commit: commits.commit(2),
		},
	)
	sink := &memSink{}

	require.NoError(t, newTestPipeline(testPipelineOptions(), src, sink).Run(context.Background()))

	candles := sink.candles()
	require.Len(t, candles, 1)
	assert.Equal(t, models.Candle{
		Symbol: "BTCUSDT", WindowStartMs: 0, WindowEndMs: 60000,
		Open: 100, High: 101, Low: 100, Close: 101, Volume: 1,
	}, candles[0])
	assert.Equal(t, []int{1, 2}, commits.committed())
}

func TestPipelineBackfillFailsFast(t *testing.T) {
	commits := &commitLog{}
	src := newSliceSource(
		domrepo.Delivery{Trades: []models.Trade{trade("BTCUSDT", 1, 1, 0)}, Commit: commits.commit(1)},
		domrepo.Delivery{Trades: []models.Trade{trade("BTCUSDT", 1, 1, 60000)}, Commit: commits.commit(2)},
	)
	sink := &memSink{failN: 100}
	opts := testPipelineOptions()
	opts.Dispatcher.MaxRetries = 2

	p := newTestPipeline(opts, src, sink, WithDispatcherOptions(WithSleeper(noSleep)))
	err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrFlushFailed)
	assert.Empty(t, commits.committed())
	assert.Equal(t, StateStopped, p.State())
	assert.Equal(t, 3, sink.writes)
}

func TestPipelineLiveRetriesUntilSinkRecovers(t *testing.T) {
	commits := &commitLog{}
	src := newSliceSource(
		domrepo.Delivery{Trades: []models.Trade{trade("BTCUSDT", 1, 1, 0)}, Commit: commits.commit(1)},
		domrepo.Delivery{Trades: []models.Trade{trade("BTCUSDT", 2, 1, 60000)}, Commit: commits.commit(2)},
	)
	sink := &memSink{failN: 5}
	opts := testPipelineOptions()
	opts.Mode = ModeLive

	p := newTestPipeline(opts, src, sink,
		WithPipelineSleeper(noSleep),
		WithDispatcherOptions(WithSleeper(noSleep)),
	)
	require.NoError(t, p.Run(context.Background()))
	assert.Len(t, sink.candles(), 2)
	assert.Equal(t, []int{1, 2}, commits.committed())
}

func TestPipelineStopDrains(t *testing.T) {
	commits := &commitLog{}
	src := newSliceSource(domrepo.Delivery{
		Trades: []models.Trade{trade("BTCUSDT", 10, 1, 1000)},
		Commit: commits.commit(1),
	})
	src.hold = true
	sink := &memSink{}
	opts := testPipelineOptions()
	opts.Mode = ModeLive
	p := newTestPipeline(opts, src, sink)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	require.Eventually(t, func() bool { return p.OpenWindows() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, p.State())
	assert.True(t, p.SourceActive())
	assert.Empty(t, commits.committed())

	p.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}
	require.Len(t, sink.candles(), 1)
	assert.Equal(t, []int{1}, commits.committed())
	assert.Equal(t, 0, p.OpenWindows())
}

func TestPipelineStopDuringSinkOutage(t *testing.T) {
	commits := &commitLog{}
	src := newSliceSource(domrepo.Delivery{
		Trades: []models.Trade{trade("BTCUSDT", 10, 1, 1000)},
		Commit: commits.commit(1),
	})
	src.hold = true
	sink := &memSink{failN: 1 << 20}
	opts := testPipelineOptions()
	opts.Mode = ModeLive
	opts.Window = 0
	opts.Dispatcher.RetryDelay = 5 * time.Millisecond
	p := newTestPipeline(opts, src, sink, WithDispatcherOptions(WithSleeper(noSleep)))

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.writes >= 3
	}, 2*time.Second, 5*time.Millisecond)

	p.Stop()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrFlushFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}
	assert.Empty(t, commits.committed())
	assert.Equal(t, StateStopped, p.State())
	assert.True(t, sink.closed)
}

func TestPipelineIdleFlushReleasesPassthroughAcks(t *testing.T) {
	commits := &commitLog{}
	src := newSliceSource(domrepo.Delivery{
		Trades: []models.Trade{trade("BTCUSDT", 10, 1, 1000)},
		Commit: commits.commit(1),
	})
	src.hold = true
	sink := &memSink{}
	opts := testPipelineOptions()
	opts.Mode = ModeLive
	opts.Window = 0
	opts.Dispatcher.BatchSize = 100
	opts.Dispatcher.IdleTimeout = 20 * time.Millisecond
	p := newTestPipeline(opts, src, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return len(commits.committed()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sink.batchCount())

	cancel()
	require.NoError(t, <-done)
}

func TestPipelineRejectsInvalidOptions(t *testing.T) {
	sink := &memSink{}
	opts := testPipelineOptions()
	opts.Symbols = nil

	p := newTestPipeline(opts, newSliceSource(), sink)
	err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrInvalidOptions)
	assert.Equal(t, StateStopped, p.State())
	assert.Equal(t, 0, sink.inits)
}

func TestPipelineSourceErrorIsReturned(t *testing.T) {
	src := newSliceSource()
	src.err = assert.AnError
	p := newTestPipeline(testPipelineOptions(), src, &memSink{})
	err := p.Run(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}

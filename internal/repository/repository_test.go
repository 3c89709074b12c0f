package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"CandleFlow/internal/domain/models"
	domrepo "CandleFlow/internal/domain/repository"
	"CandleFlow/pkg/cache"
	pkgkafka "CandleFlow/pkg/kafka"
	applogger "CandleFlow/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	topic  string
	msgs   []pkgkafka.Message
	err    error
	closed bool
}

func (f *fakePublisher) PublishBatch(_ context.Context, topic string, messages []pkgkafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.topic = topic
	f.msgs = append(f.msgs, messages...)
	return nil
}

func (f *fakePublisher) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSinkWriteBatch(t *testing.T) {
	pub := &fakePublisher{}
	var ensured string
	sink := NewKafkaSink(pub, "ohlcv_1m", func(_ context.Context, topic string) error {
		ensured = topic
		return nil
	}, applogger.Nop())

	require.NoError(t, sink.Init(context.Background()))
	assert.Equal(t, "ohlcv_1m", ensured)

	recs := []models.Record{
		models.Candle{Symbol: "BTCUSDT", WindowStartMs: 0, WindowEndMs: 60000, Open: 100, High: 105, Low: 95, Close: 95, Volume: 4},
		models.Trade{Symbol: "ETHUSDT", Price: 2000, Qty: 0.5, TimestampMs: 1500},
	}
	n, err := sink.WriteBatch(context.Background(), recs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pub.msgs, 2)
	assert.Equal(t, "ohlcv_1m", pub.topic)
	assert.Equal(t, "BTCUSDT", string(pub.msgs[0].Key))
	assert.Equal(t, "ETHUSDT", string(pub.msgs[1].Key))

	b, err := pkgkafka.EncodeValue(pub.msgs[0].Value)
	require.NoError(t, err)
	var candle map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &candle))
	assert.EqualValues(t, 0, candle["timestamp_ms"])
	assert.EqualValues(t, 60000, candle["window_end_ms"])
	assert.EqualValues(t, 4, candle["volume"])

	b, err = pkgkafka.EncodeValue(pub.msgs[1].Value)
	require.NoError(t, err)
	assert.JSONEq(t, `{"symbol":"ETHUSDT","price":2000,"qty":0.5,"timestamp_ms":1500}`, string(b))

	require.NoError(t, sink.Close())
	assert.True(t, pub.closed)
}

func TestKafkaSinkErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	sink := NewKafkaSink(pub, "trades", nil, applogger.Nop())
	require.NoError(t, sink.Init(context.Background()))

	n, err := sink.WriteBatch(context.Background(), []models.Record{models.Trade{Symbol: "BTCUSDT", Price: 1, Qty: 1, TimestampMs: 1}})
	assert.Error(t, err)
	assert.Zero(t, n)

	assert.Error(t, NewKafkaSink(pub, "", nil, applogger.Nop()).Init(context.Background()))

	failing := NewKafkaSink(pub, "trades", func(context.Context, string) error { return errors.New("no controller") }, applogger.Nop())
	assert.Error(t, failing.Init(context.Background()))
}

func TestCacheCursorStore(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemoryCache()
	store := NewCacheCursorStore(mem, 0)

	_, ok, err := store.Load(ctx, "backfill:job:BTCUSD")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Save(ctx, "backfill:job:BTCUSD", 1700000000123456789))
	ns, ok, err := store.Load(ctx, "backfill:job:BTCUSD")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1700000000123456789), ns)

	require.NoError(t, mem.Set(ctx, "backfill:job:bad", "not-a-number", 0))
	_, _, err = store.Load(ctx, "backfill:job:bad")
	assert.Error(t, err)
}

func TestBuildInsert(t *testing.T) {
	q, args := buildInsert("db.trades", tradeColumns, [][]interface{}{
		{"BTCUSDT", time.UnixMilli(0).UTC(), 100.0, 1.0},
		{"BTCUSDT", time.UnixMilli(1000).UTC(), 101.0, 2.0},
	})
	assert.Equal(t, "INSERT INTO db.trades (symbol, ts, price, qty) VALUES (?, ?, ?, ?),(?, ?, ?, ?)", q)
	assert.Len(t, args, 8)
	assert.Equal(t, 101.0, args[6])

	q, args = buildInsert("db.trades", tradeColumns, nil)
	assert.Empty(t, q)
	assert.Nil(t, args)
}

func TestCandlesTableFor(t *testing.T) {
	table, err := candlesTableFor("market", domrepo.Timeframe("1m"))
	require.NoError(t, err)
	assert.Equal(t, "market.candles_1m", table)

	_, err = candlesTableFor("market", domrepo.Timeframe("1m; DROP TABLE x"))
	assert.Error(t, err)
}

func TestSplitAndConvertRecords(t *testing.T) {
	c := models.Candle{Symbol: "BTCUSDT", WindowStartMs: 60000, WindowEndMs: 120000, Open: 1, High: 2, Low: 1, Close: 2, Volume: 3}
	tr := models.Trade{Symbol: "BTCUSDT", Price: 2, Qty: 3, TimestampMs: 61000}
	trades, candles := splitRecords([]models.Record{c, tr, &c})
	require.Len(t, trades, 1)
	require.Len(t, candles, 2)

	rows := toCandleRecords(candles[:1])
	assert.Equal(t, time.UnixMilli(60000).UTC(), rows[0].WindowStart)
	assert.Equal(t, time.UnixMilli(120000).UTC(), rows[0].WindowEnd)
	assert.Equal(t, 3.0, rows[0].Volume)

	trows := toTradeRecords(trades)
	assert.Equal(t, time.UnixMilli(61000).UTC(), trows[0].Ts)
}

func TestReverseCandles(t *testing.T) {
	cs := []models.Candle{{WindowStartMs: 3}, {WindowStartMs: 2}, {WindowStartMs: 1}}
	reverseCandles(cs)
	assert.Equal(t, []int64{1, 2, 3}, []int64{cs[0].WindowStartMs, cs[1].WindowStartMs, cs[2].WindowStartMs})
}

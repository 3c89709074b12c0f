package topic

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	drepo "CandleFlow/internal/domain/repository"
	"CandleFlow/pkg/logger"
	"CandleFlow/pkg/metrics"
)

// fakeReader serves queued messages, then reports empty polls.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	pollErrs  int
	committed []int64
	polls     int
}

func (r *fakeReader) Topic() string { return "trades" }

func (r *fakeReader) Poll(ctx context.Context) (kafka.Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls++
	if r.pollErrs > 0 {
		r.pollErrs--
		return kafka.Message{}, false, errors.New("group rebalancing")
	}
	if len(r.msgs) == 0 {
		return kafka.Message{}, false, nil
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, true, nil
}

func (r *fakeReader) Commit(_ context.Context, msg kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msg.Offset)
	return nil
}

// stepClock advances by step on every call.
type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

func msg(offset int64, value string) kafka.Message {
	return kafka.Message{Topic: "trades", Offset: offset, Value: []byte(value)}
}

func collect(t *testing.T, src *Source, symbols []string) []drepo.Delivery {
	t.Helper()
	out := make(chan drepo.Delivery, 16)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, src.Subscribe(ctx, symbols, out))
	close(out)
	var ds []drepo.Delivery
	for d := range out {
		ds = append(ds, d)
	}
	return ds
}

func TestTradeTopicExitsOnIdle(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{
		msg(0, `{"symbol":"BTCUSDT","price":100,"qty":1,"timestamp_ms":1000}`),
		msg(1, `not json`),
		msg(2, `{"symbol":"DOGEUSDT","price":0.1,"qty":10,"timestamp_ms":1001}`),
		msg(3, `{"symbol":"btcusdt","price":101,"qty":2,"timestamp_ms":1002}`),
	}}
	clock := &stepClock{t: time.Unix(0, 0), step: time.Second}
	src, err := NewSource(Config{Payload: PayloadTrade, ExitOnIdle: 3 * time.Second}, r, metrics.Nop{}, logger.Nop(), WithClock(clock.now))
	require.NoError(t, err)

	ds := collect(t, src, []string{"BTCUSDT"})
	require.Len(t, ds, 4)
	assert.Len(t, ds[0].Trades, 1)
	assert.Equal(t, 100.0, ds[0].Trades[0].Price)
	assert.Zero(t, ds[1].Len(), "malformed message yields an empty delivery")
	assert.Zero(t, ds[2].Len(), "symbol outside the set")
	require.Len(t, ds[3].Trades, 1)
	assert.Equal(t, int64(1002), ds[3].Trades[0].TimestampMs)

	for _, d := range ds {
		require.NotNil(t, d.Commit)
		require.NoError(t, d.Commit(context.Background()))
	}
	assert.Equal(t, []int64{0, 1, 2, 3}, r.committed)
	assert.False(t, src.IsActive())
}

func TestCandleTopic(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{
		msg(7, `{"symbol":"BTCUSDT","timestamp_ms":60000,"window_end_ms":120000,"open":1,"high":2,"low":0.5,"close":1.5,"volume":9}`),
	}}
	clock := &stepClock{t: time.Unix(0, 0), step: time.Second}
	src, err := NewSource(Config{Payload: PayloadCandle, ExitOnIdle: time.Second}, r, metrics.Nop{}, logger.Nop(), WithClock(clock.now))
	require.NoError(t, err)

	ds := collect(t, src, nil)
	require.Len(t, ds, 1)
	require.Len(t, ds[0].Candles, 1)
	c := ds[0].Candles[0]
	assert.Equal(t, int64(60000), c.WindowStartMs)
	assert.Equal(t, int64(120000), c.WindowEndMs)
	assert.Equal(t, 9.0, c.Volume)
}

func TestPollErrorsAreRetried(t *testing.T) {
	r := &fakeReader{
		pollErrs: 2,
		msgs:     []kafka.Message{msg(0, `{"symbol":"BTCUSDT","price":100,"qty":1,"timestamp_ms":1000}`)},
	}
	clock := &stepClock{t: time.Unix(0, 0), step: time.Second}
	src, err := NewSource(Config{Payload: PayloadTrade, ExitOnIdle: time.Second, RetryDelay: time.Millisecond}, r, metrics.Nop{}, logger.Nop(), WithClock(clock.now))
	require.NoError(t, err)

	ds := collect(t, src, nil)
	require.Len(t, ds, 1)
	assert.Len(t, ds[0].Trades, 1)
}

func TestStopEndsSubscribe(t *testing.T) {
	r := &fakeReader{}
	src, err := NewSource(Config{Payload: PayloadTrade}, r, metrics.Nop{}, logger.Nop())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- src.Subscribe(context.Background(), nil, make(chan drepo.Delivery)) }()

	require.Eventually(t, src.IsActive, time.Second, time.Millisecond)
	require.NoError(t, src.Stop())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not return after Stop")
	}
}

func TestUnknownPayload(t *testing.T) {
	_, err := NewSource(Config{Payload: "quote"}, &fakeReader{}, metrics.Nop{}, logger.Nop())
	assert.Error(t, err)
}

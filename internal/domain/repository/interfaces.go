package repository

import (
	"context"

	"CandleFlow/internal/domain/models"
)

// Delivery is one unit handed over by a trade source: the trades of a single
// stream message or backfill page, or candles read back from a topic.
// Commit acknowledges the underlying input and may be nil.
type Delivery struct {
	Trades  []models.Trade
	Candles []models.Candle
	Commit  func(ctx context.Context) error
}

// Len returns the number of records carried.
func (d Delivery) Len() int { return len(d.Trades) + len(d.Candles) }

// TradeSource produces deliveries for a set of symbols. Subscribe blocks until
// the source completes, is stopped, or ctx is cancelled.
type TradeSource interface {
	Name() string
	Subscribe(ctx context.Context, symbols []string, out chan<- Delivery) error
	IsActive() bool
	Stop() error
}

// Sink is a batch destination for trades or candles. Writes must tolerate
// duplicate delivery.
type Sink interface {
	Name() string
	Init(ctx context.Context) error
	WriteBatch(ctx context.Context, records []models.Record) (int, error)
	Close() error
}

// CursorStore persists backfill cursors so a job can resume.
type CursorStore interface {
	Load(ctx context.Context, key string) (int64, bool, error)
	Save(ctx context.Context, key string, cursorNs int64) error
}

type Metrics interface {
	RecordTrades(source, symbol string, n int)
	RecordRejected(reason string)
	RecordCandle(symbol string)
	RecordFlush(sink string, n int, seconds float64)
	RecordPending(n int)
	RecordState(state string)
	RecordError(kind string)
	RecordLastPrice(symbol string, price float64)
	RecordLatency(op string, seconds float64)
}

package repository

import (
	"context"
	"fmt"
	"time"

	"CandleFlow/internal/domain/models"
	pkgpg "CandleFlow/pkg/postgres"

	"gorm.io/gorm/clause"
)

// CandleRecord is a finalized candle row.
type CandleRecord struct {
	ID uint64 `gorm:"primaryKey"`

	Symbol      string    `gorm:"type:text;not null;index:idx_candle_symbol_start,unique"`
	WindowStart time.Time `gorm:"not null;index:idx_candle_symbol_start,unique"`
	WindowEnd   time.Time `gorm:"not null"`

	Open   float64 `gorm:"type:double precision;not null"`
	High   float64 `gorm:"type:double precision;not null"`
	Low    float64 `gorm:"type:double precision;not null"`
	Close  float64 `gorm:"type:double precision;not null"`
	Volume float64 `gorm:"type:double precision;not null"`

	RecordedAt time.Time `gorm:"autoCreateTime"`
}

// TableName overrides the default table name for GORM.
func (CandleRecord) TableName() string { return "candles" }

// TradeRecord is a raw trade row. Identical trades collapse on the unique index.
type TradeRecord struct {
	ID uint64 `gorm:"primaryKey"`

	Symbol string    `gorm:"type:text;not null;index:idx_trade_natural,unique"`
	Ts     time.Time `gorm:"not null;index:idx_trade_natural,unique"`
	Price  float64   `gorm:"type:double precision;not null;index:idx_trade_natural,unique"`
	Qty    float64   `gorm:"type:double precision;not null;index:idx_trade_natural,unique"`

	RecordedAt time.Time `gorm:"autoCreateTime"`
}

// TableName overrides the default table name for GORM.
func (TradeRecord) TableName() string { return "trades" }

// PGSink writes records through gorm with ON CONFLICT DO NOTHING on the
// natural key, so redelivery is harmless.
type PGSink struct {
	client    *pkgpg.Client
	batchSize int
}

// NewPGSink creates a Postgres sink.
func NewPGSink(client *pkgpg.Client, batchSize int) *PGSink {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &PGSink{client: client, batchSize: batchSize}
}

func (s *PGSink) Name() string { return "postgres" }

func (s *PGSink) Init(ctx context.Context) error {
	return s.client.AutoMigrate(ctx, &CandleRecord{}, &TradeRecord{})
}

func (s *PGSink) WriteBatch(ctx context.Context, records []models.Record) (int, error) {
	trades, candles := splitRecords(records)
	db := s.client.DB.WithContext(ctx)

	if len(candles) > 0 {
		rows := toCandleRecords(candles)
		err := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "symbol"}, {Name: "window_start"}},
			DoNothing: true,
		}).CreateInBatches(rows, s.batchSize).Error
		if err != nil {
			return 0, fmt.Errorf("insert candles: %w", err)
		}
	}
	if len(trades) > 0 {
		rows := toTradeRecords(trades)
		err := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "symbol"}, {Name: "ts"}, {Name: "price"}, {Name: "qty"}},
			DoNothing: true,
		}).CreateInBatches(rows, s.batchSize).Error
		if err != nil {
			return 0, fmt.Errorf("insert trades: %w", err)
		}
	}
	return len(records), nil
}

func (s *PGSink) Close() error {
	return s.client.Close()
}

func toCandleRecords(cs []models.Candle) []CandleRecord {
	out := make([]CandleRecord, 0, len(cs))
	for _, c := range cs {
		out = append(out, CandleRecord{
			Symbol:      c.Symbol,
			WindowStart: time.UnixMilli(c.WindowStartMs).UTC(),
			WindowEnd:   time.UnixMilli(c.WindowEndMs).UTC(),
			Open:        c.Open,
			High:        c.High,
			Low:         c.Low,
			Close:       c.Close,
			Volume:      c.Volume,
		})
	}
	return out
}

func toTradeRecords(ts []models.Trade) []TradeRecord {
	out := make([]TradeRecord, 0, len(ts))
	for _, t := range ts {
		out = append(out, TradeRecord{
			Symbol: t.Symbol,
			Ts:     time.UnixMilli(t.TimestampMs).UTC(),
			Price:  t.Price,
			Qty:    t.Qty,
		})
	}
	return out
}

package repository

import (
	"context"
	"time"

	"CandleFlow/internal/domain/models"
)

// Timeframe represents candle resolution buckets.
type Timeframe string

// FeatureStore provides read-only access to stored candles for downstream
// consumers such as training jobs and dashboards.
type FeatureStore interface {
	GetCandles(ctx context.Context, symbol string, from, to time.Time, tf Timeframe) ([]models.Candle, error)
	GetLatestNCandles(ctx context.Context, symbol string, n int, tf Timeframe) ([]models.Candle, error)
}

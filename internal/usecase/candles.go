package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"CandleFlow/internal/domain/models"
	domrepo "CandleFlow/internal/domain/repository"
	"CandleFlow/pkg/util"
)

var ErrBadQuery = errors.New("bad query")

const (
	defaultCandleLimit = 10000
	maxCandleLimit     = 50000
	maxLatestN         = 5000
)

// CandlesUseCase provides business logic for retrieving candles.
type CandlesUseCase struct {
	store     domrepo.FeatureStore
	defaultTF domrepo.Timeframe
}

func NewCandlesUseCase(store domrepo.FeatureStore, defaultTF domrepo.Timeframe) *CandlesUseCase {
	return &CandlesUseCase{store: store, defaultTF: defaultTF}
}

type GetCandlesParams struct {
	Symbol    string
	From      time.Time
	To        time.Time
	Timeframe domrepo.Timeframe
	Limit     int
}

type GetCandlesResult struct {
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	From      time.Time       `json:"from"`
	To        time.Time       `json:"to"`
	Count     int             `json:"count"`
	Candles   []models.Candle `json:"candles"`
}

func (uc *CandlesUseCase) GetCandles(ctx context.Context, p GetCandlesParams) (*GetCandlesResult, error) {
	p.Symbol = strings.ToUpper(p.Symbol)
	if p.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol required", ErrBadQuery)
	}
	if p.From.After(p.To) {
		return nil, fmt.Errorf("%w: from must be <= to", ErrBadQuery)
	}
	tf, err := uc.timeframe(p.Timeframe)
	if err != nil {
		return nil, err
	}
	window, _ := tf.Duration()
	p.From, p.To = util.AlignFromTo(p.From, p.To, window)
	if p.Limit <= 0 {
		p.Limit = defaultCandleLimit
	}
	if p.Limit > maxCandleLimit {
		p.Limit = maxCandleLimit
	}

	candles, err := uc.store.GetCandles(ctx, p.Symbol, p.From, p.To, tf)
	if err != nil {
		return nil, fmt.Errorf("get candles: %w", err)
	}
	if len(candles) > p.Limit {
		candles = candles[:p.Limit]
	}

	return &GetCandlesResult{
		Symbol:    p.Symbol,
		Timeframe: string(tf),
		From:      p.From,
		To:        p.To,
		Count:     len(candles),
		Candles:   candles,
	}, nil
}

// GetLatest returns the n most recent candles in ascending time order.
func (uc *CandlesUseCase) GetLatest(ctx context.Context, symbol string, n int, tf domrepo.Timeframe) ([]models.Candle, error) {
	symbol = strings.ToUpper(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol required", ErrBadQuery)
	}
	if n <= 0 || n > maxLatestN {
		return nil, fmt.Errorf("%w: n must be in [1,%d]", ErrBadQuery, maxLatestN)
	}
	tf, err := uc.timeframe(tf)
	if err != nil {
		return nil, err
	}
	candles, err := uc.store.GetLatestNCandles(ctx, symbol, n, tf)
	if err != nil {
		return nil, fmt.Errorf("get latest candles: %w", err)
	}
	return candles, nil
}

func (uc *CandlesUseCase) timeframe(tf domrepo.Timeframe) (domrepo.Timeframe, error) {
	if tf == "" {
		tf = uc.defaultTF
	}
	if !tf.IsValid() {
		return "", fmt.Errorf("%w: timeframe %q", ErrBadQuery, tf)
	}
	return tf, nil
}

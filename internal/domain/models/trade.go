package models

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidTrade marks a trade rejected at the ingestion boundary.
var ErrInvalidTrade = errors.New("invalid trade")

// Trade is a single executed trade as normalized by a trade source.
type Trade struct {
	Symbol      string  `json:"symbol"`
	Price       float64 `json:"price"`
	Qty         float64 `json:"qty"`
	TimestampMs int64   `json:"timestamp_ms"`
}

// Validate reports why a trade cannot enter the pipeline.
func (t Trade) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("%w: symbol empty", ErrInvalidTrade)
	}
	if math.IsNaN(t.Price) || math.IsInf(t.Price, 0) || t.Price < 0 {
		return fmt.Errorf("%w: price %v", ErrInvalidTrade, t.Price)
	}
	if math.IsNaN(t.Qty) || math.IsInf(t.Qty, 0) || t.Qty < 0 {
		return fmt.Errorf("%w: qty %v", ErrInvalidTrade, t.Qty)
	}
	return nil
}

func (t Trade) RecordKey() string { return t.Symbol }

func (t Trade) EventTimeMs() int64 { return t.TimestampMs }

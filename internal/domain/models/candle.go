package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidCandle marks a candle that breaks the OHLCV invariants.
var ErrInvalidCandle = errors.New("invalid candle")

// Candle represents an OHLCV record for one symbol and one tumbling window.
type Candle struct {
	Symbol        string  `json:"symbol"`
	WindowStartMs int64   `json:"window_start_ms"`
	WindowEndMs   int64   `json:"window_end_ms"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
	Volume        float64 `json:"volume"`
}

// NewCandle opens a window with its first trade.
func NewCandle(t Trade, windowStartMs, windowMs int64) Candle {
	return Candle{
		Symbol:        t.Symbol,
		WindowStartMs: windowStartMs,
		WindowEndMs:   windowStartMs + windowMs,
		Open:          t.Price,
		High:          t.Price,
		Low:           t.Price,
		Close:         t.Price,
		Volume:        t.Qty,
	}
}

// Apply folds a trade into the candle. Open is set once by the first trade.
func (c *Candle) Apply(t Trade) {
	if t.Price > c.High {
		c.High = t.Price
	}
	if t.Price < c.Low {
		c.Low = t.Price
	}
	c.Close = t.Price
	c.Volume += t.Qty
}

// Bucket returns the window start as a UTC time.
func (c Candle) Bucket() time.Time { return time.UnixMilli(c.WindowStartMs).UTC() }

// Validate checks low <= open,close <= high and a non-negative volume.
func (c Candle) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("%w: symbol empty", ErrInvalidCandle)
	}
	if c.WindowEndMs <= c.WindowStartMs {
		return fmt.Errorf("%w: window [%d,%d)", ErrInvalidCandle, c.WindowStartMs, c.WindowEndMs)
	}
	if c.Low > c.Open || c.Low > c.Close || c.High < c.Open || c.High < c.Close {
		return fmt.Errorf("%w: ohlc %v/%v/%v/%v", ErrInvalidCandle, c.Open, c.High, c.Low, c.Close)
	}
	if c.Volume < 0 {
		return fmt.Errorf("%w: volume %v", ErrInvalidCandle, c.Volume)
	}
	return nil
}

func (c Candle) RecordKey() string { return c.Symbol }

func (c Candle) EventTimeMs() int64 { return c.WindowStartMs }

// MarshalPayload is the JSON shape published to the OHLCV topic.
func (c Candle) MarshalPayload() map[string]interface{} {
	return map[string]interface{}{
		"symbol":          c.Symbol,
		"timestamp_ms":    c.WindowStartMs,
		"window_start_ms": c.WindowStartMs,
		"window_end_ms":   c.WindowEndMs,
		"open":            c.Open,
		"high":            c.High,
		"low":             c.Low,
		"close":           c.Close,
		"volume":          c.Volume,
	}
}

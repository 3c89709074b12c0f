package usecase

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"CandleFlow/internal/domain/models"
	"CandleFlow/pkg/util"
)

// ErrLateTrade is returned for a trade whose window was already emitted.
var ErrLateTrade = errors.New("late trade")

// Aggregator folds trades into epoch-aligned tumbling OHLCV windows, one open
// window per symbol. A window is emitted once a trade for a later window of
// the same symbol arrives, or on Flush. It is not safe for concurrent use.
type Aggregator struct {
	windowMs int64
	open     map[string]*models.Candle
}

func NewAggregator(window time.Duration) (*Aggregator, error) {
	ms := window.Milliseconds()
	if ms <= 0 || window%time.Millisecond != 0 {
		return nil, fmt.Errorf("%w: window %s", ErrInvalidOptions, window)
	}
	return &Aggregator{
		windowMs: ms,
		open:     make(map[string]*models.Candle),
	}, nil
}

// WindowMs returns the window size in milliseconds.
func (a *Aggregator) WindowMs() int64 { return a.windowMs }

// WindowStart returns the start of the window that contains tsMs.
func (a *Aggregator) WindowStart(tsMs int64) int64 {
	return util.FloorMs(tsMs, a.windowMs)
}

// Add folds t into its window and returns the candle it closed, if any.
// A trade older than the symbol's open window returns ErrLateTrade and leaves
// all state untouched.
func (a *Aggregator) Add(t models.Trade) (*models.Candle, error) {
	start := a.WindowStart(t.TimestampMs)

	cur, ok := a.open[t.Symbol]
	if !ok {
		c := models.NewCandle(t, start, a.windowMs)
		a.open[t.Symbol] = &c
		return nil, nil
	}

	switch {
	case start == cur.WindowStartMs:
		cur.Apply(t)
		return nil, nil
	case start < cur.WindowStartMs:
		return nil, fmt.Errorf("%w: %s at %d, open window starts at %d",
			ErrLateTrade, t.Symbol, t.TimestampMs, cur.WindowStartMs)
	}

	done := *cur
	c := models.NewCandle(t, start, a.windowMs)
	a.open[t.Symbol] = &c
	return &done, nil
}

// Flush emits every open window sorted by symbol and resets the state.
func (a *Aggregator) Flush() []models.Candle {
	if len(a.open) == 0 {
		return nil
	}
	out := make([]models.Candle, 0, len(a.open))
	for _, c := range a.open {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	a.open = make(map[string]*models.Candle)
	return out
}

// OpenWindows returns the number of symbols with a window in progress.
func (a *Aggregator) OpenWindows() int { return len(a.open) }

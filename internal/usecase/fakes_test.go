package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"CandleFlow/internal/domain/models"
	domrepo "CandleFlow/internal/domain/repository"
)

var errSinkDown = errors.New("sink down")

// memSink records every batch. The first failN writes fail.
type memSink struct {
	mu      sync.Mutex
	batches [][]models.Record
	failN   int
	writes  int
	inits   int
	closed  bool
}

func (s *memSink) Name() string { return "memory" }

func (s *memSink) Init(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inits++
	return nil
}

func (s *memSink) WriteBatch(_ context.Context, recs []models.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failN > 0 {
		s.failN--
		return 0, errSinkDown
	}
	cp := make([]models.Record, len(recs))
	copy(cp, recs)
	s.batches = append(s.batches, cp)
	return len(recs), nil
}

func (s *memSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memSink) records() []models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Record
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func (s *memSink) candles() []models.Candle {
	var out []models.Candle
	for _, r := range s.records() {
		if c, ok := r.(models.Candle); ok {
			out = append(out, c)
		}
	}
	return out
}

func (s *memSink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

// sliceSource emits its deliveries in order and completes, or blocks until
// stopped when hold is set.
type sliceSource struct {
	deliveries []domrepo.Delivery
	hold       bool
	err        error
	active     atomic.Bool
	stopped    chan struct{}
	stopOnce   sync.Once
}

func newSliceSource(ds ...domrepo.Delivery) *sliceSource {
	return &sliceSource{deliveries: ds, stopped: make(chan struct{})}
}

func (s *sliceSource) Name() string { return "slice" }

func (s *sliceSource) Subscribe(ctx context.Context, _ []string, out chan<- domrepo.Delivery) error {
	s.active.Store(true)
	defer s.active.Store(false)
	for _, d := range s.deliveries {
		select {
		case out <- d:
		case <-ctx.Done():
			return nil
		case <-s.stopped:
			return nil
		}
	}
	if s.hold {
		select {
		case <-ctx.Done():
		case <-s.stopped:
		}
	}
	return s.err
}

func (s *sliceSource) IsActive() bool { return s.active.Load() }

func (s *sliceSource) Stop() error {
	s.stopOnce.Do(func() { close(s.stopped) })
	return nil
}

// commitLog records acknowledgements in order.
type commitLog struct {
	mu   sync.Mutex
	ids  []int
	fail map[int]int
}

func (l *commitLog) commit(id int) func(context.Context) error {
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.fail[id] > 0 {
			l.fail[id]--
			return errors.New("commit refused")
		}
		l.ids = append(l.ids, id)
		return nil
	}
}

func (l *commitLog) committed() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.ids...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func trade(sym string, price, qty float64, ts int64) models.Trade {
	return models.Trade{Symbol: sym, Price: price, Qty: qty, TimestampMs: ts}
}

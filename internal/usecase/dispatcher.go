package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"CandleFlow/internal/domain/models"
	domrepo "CandleFlow/internal/domain/repository"
	"CandleFlow/pkg/logger"
)

var (
	// ErrFlushFailed is returned when a batch could not be written after all
	// retries. The batch stays buffered.
	ErrFlushFailed = errors.New("flush failed")
	// ErrInvalidOptions marks a configuration the pipeline cannot start with.
	ErrInvalidOptions = errors.New("invalid options")
)

type DispatcherOptions struct {
	BatchSize   int
	IdleTimeout time.Duration // flush when nothing was added for this long
	MaxAge      time.Duration // flush when the oldest record is this old; 0 disables
	MaxRetries  int           // extra write attempts per flush
	RetryDelay  time.Duration
}

func (o DispatcherOptions) validate() error {
	if o.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size %d", ErrInvalidOptions, o.BatchSize)
	}
	if o.IdleTimeout <= 0 {
		return fmt.Errorf("%w: idle timeout %s", ErrInvalidOptions, o.IdleTimeout)
	}
	if o.MaxAge < 0 || o.MaxRetries < 0 || o.RetryDelay < 0 {
		return fmt.Errorf("%w: negative dispatcher setting", ErrInvalidOptions)
	}
	return nil
}

// FlushHook runs after a batch was written successfully.
type FlushHook func(ctx context.Context, batch []models.Record)

// Dispatcher buffers records and writes them to a sink in batches, by size,
// by inactivity, by age, or on demand. Only one flush runs at a time.
type Dispatcher struct {
	sink    domrepo.Sink
	opts    DispatcherOptions
	metrics domrepo.Metrics
	log     *logger.Logger

	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	onFlushed FlushHook

	mu      sync.Mutex
	buf     []models.Record
	oldest  time.Time
	lastAdd time.Time
}

type DispatcherOption func(*Dispatcher)

func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) DispatcherOption {
	return func(d *Dispatcher) { d.sleep = sleep }
}

func WithFlushHook(h FlushHook) DispatcherOption {
	return func(d *Dispatcher) { d.onFlushed = h }
}

func NewDispatcher(sink domrepo.Sink, opts DispatcherOptions, metrics domrepo.Metrics, log *logger.Logger, options ...DispatcherOption) (*Dispatcher, error) {
	if sink == nil {
		return nil, fmt.Errorf("%w: sink is nil", ErrInvalidOptions)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	d := &Dispatcher{
		sink:    sink,
		opts:    opts,
		metrics: metrics,
		log:     log,
		now:     time.Now,
		sleep:   sleepCtx,
		buf:     make([]models.Record, 0, opts.BatchSize),
	}
	for _, o := range options {
		o(d)
	}
	return d, nil
}

// Add buffers rec and flushes once the batch is full.
func (d *Dispatcher) Add(ctx context.Context, rec models.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if len(d.buf) == 0 {
		d.oldest = now
	}
	d.buf = append(d.buf, rec)
	d.lastAdd = now
	d.metrics.RecordPending(len(d.buf))

	if len(d.buf) >= d.opts.BatchSize {
		return d.flushLocked(ctx)
	}
	return nil
}

// Tick flushes a non-empty batch that went idle or grew too old. The driver
// calls it periodically.
func (d *Dispatcher) Tick(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.buf) == 0 {
		return nil
	}
	now := d.now()
	idle := now.Sub(d.lastAdd) >= d.opts.IdleTimeout
	aged := d.opts.MaxAge > 0 && now.Sub(d.oldest) >= d.opts.MaxAge
	if !idle && !aged {
		return nil
	}
	return d.flushLocked(ctx)
}

// Flush writes whatever is buffered.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushLocked(ctx)
}

func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buf)
}

// OldestAge returns how long the oldest buffered record has waited.
func (d *Dispatcher) OldestAge() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.buf) == 0 {
		return 0
	}
	return d.now().Sub(d.oldest)
}

func (d *Dispatcher) flushLocked(ctx context.Context) error {
	if len(d.buf) == 0 {
		return nil
	}

	batch := d.buf
	var lastErr error
	for attempt := 0; attempt <= d.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, d.opts.RetryDelay); err != nil {
				lastErr = errors.Join(lastErr, err)
				break
			}
		}

		start := time.Now()
		n, err := d.sink.WriteBatch(ctx, batch)
		if err == nil {
			elapsed := time.Since(start).Seconds()
			d.metrics.RecordFlush(d.sink.Name(), n, elapsed)
			d.metrics.RecordLatency("sink_write", elapsed)
			d.buf = make([]models.Record, 0, d.opts.BatchSize)
			d.metrics.RecordPending(0)
			d.log.Debug("batch flushed",
				logger.String("sink", d.sink.Name()),
				logger.Int("records", n),
				logger.Int("attempt", attempt+1),
			)
			if d.onFlushed != nil {
				d.onFlushed(ctx, batch)
			}
			return nil
		}

		lastErr = err
		d.metrics.RecordError("sink_write")
		d.log.Warn("batch write failed",
			logger.String("sink", d.sink.Name()),
			logger.Int("records", len(batch)),
			logger.Int("attempt", attempt+1),
			logger.Error(err),
		)
	}

	return fmt.Errorf("%w: %s after %d attempts: %w", ErrFlushFailed, d.sink.Name(), d.opts.MaxRetries+1, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

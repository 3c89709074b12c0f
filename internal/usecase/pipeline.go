package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"CandleFlow/internal/domain/models"
	domrepo "CandleFlow/internal/domain/repository"
	mid "CandleFlow/internal/middleware"
	"CandleFlow/pkg/logger"
)

type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

type Mode string

const (
	// ModeLive keeps retrying failed flushes and applies backpressure.
	ModeLive Mode = "live"
	// ModeBackfill stops on the first flush that exhausts its retries.
	ModeBackfill Mode = "backfill"
)

type PipelineOptions struct {
	Name         string
	Mode         Mode
	Symbols      []string
	Window       time.Duration // 0 passes trades through without aggregation
	ChannelSize  int
	PollInterval time.Duration
	Dispatcher   DispatcherOptions
}

func (o PipelineOptions) validate() error {
	if len(o.Symbols) == 0 {
		return fmt.Errorf("%w: no symbols", ErrInvalidOptions)
	}
	if o.Mode != ModeLive && o.Mode != ModeBackfill {
		return fmt.Errorf("%w: mode %q", ErrInvalidOptions, o.Mode)
	}
	if o.Window < 0 || o.Window%time.Millisecond != 0 {
		return fmt.Errorf("%w: window %s", ErrInvalidOptions, o.Window)
	}
	if o.ChannelSize <= 0 {
		return fmt.Errorf("%w: channel size %d", ErrInvalidOptions, o.ChannelSize)
	}
	if o.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval %s", ErrInvalidOptions, o.PollInterval)
	}
	return o.Dispatcher.validate()
}

// Pipeline drives one source through the guard, the aggregator and the
// dispatcher into one sink, acknowledging source input only after the
// output derived from it was flushed.
type Pipeline struct {
	opts    PipelineOptions
	source  domrepo.TradeSource
	sink    domrepo.Sink
	guard   *mid.TradeGuard
	metrics domrepo.Metrics
	log     *logger.Logger

	sleep        func(ctx context.Context, d time.Duration) error
	dispatchOpts []DispatcherOption

	state    atomic.Value
	pending  atomic.Int64
	windows  atomic.Int64
	stopCh   chan struct{}
	stopOnce sync.Once

	// owned by the Run goroutine
	agg     *Aggregator
	disp    *Dispatcher
	acks    *AckTracker
	added   uint64
	srcName string
}

type PipelineOption func(*Pipeline)

// WithPipelineSleeper replaces the wait between live flush retries.
func WithPipelineSleeper(sleep func(ctx context.Context, d time.Duration) error) PipelineOption {
	return func(p *Pipeline) { p.sleep = sleep }
}

// WithDispatcherOptions passes options through to the pipeline's dispatcher.
func WithDispatcherOptions(opts ...DispatcherOption) PipelineOption {
	return func(p *Pipeline) { p.dispatchOpts = append(p.dispatchOpts, opts...) }
}

func NewPipeline(opts PipelineOptions, source domrepo.TradeSource, sink domrepo.Sink, guard *mid.TradeGuard, metrics domrepo.Metrics, log *logger.Logger, options ...PipelineOption) *Pipeline {
	p := &Pipeline{
		opts:    opts,
		source:  source,
		sink:    sink,
		guard:   guard,
		metrics: metrics,
		log:     log,
		sleep:   sleepCtx,
		stopCh:  make(chan struct{}),
	}
	for _, o := range options {
		o(p)
	}
	p.setState(StateStarting)
	return p
}

func (p *Pipeline) State() State { return p.state.Load().(State) }

// SourceActive reports whether the source is currently connected or downloading.
func (p *Pipeline) SourceActive() bool { return p.source != nil && p.source.IsActive() }

// Pending returns the number of records buffered in the dispatcher.
func (p *Pipeline) Pending() int { return int(p.pending.Load()) }

// OpenWindows returns the number of candles still being aggregated.
func (p *Pipeline) OpenWindows() int { return int(p.windows.Load()) }

// Stop asks Run to drain and return.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *Pipeline) setState(s State) {
	p.state.Store(s)
	p.metrics.RecordState(string(s))
	p.log.Info("pipeline state changed",
		logger.String("pipeline", p.opts.Name),
		logger.String("state", string(s)),
	)
}

// Run blocks until the source completes, Stop is called, ctx is cancelled,
// or a fatal error occurs. Invalid options fail before Running.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.start(ctx); err != nil {
		p.setState(StateStopped)
		return err
	}
	p.setState(StateRunning)

	out := make(chan domrepo.Delivery, p.opts.ChannelSize)
	srcCtx, cancelSrc := context.WithCancel(ctx)
	defer cancelSrc()

	srcDone := make(chan error, 1)
	go func() {
		srcDone <- p.source.Subscribe(srcCtx, p.opts.Symbols, out)
	}()

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	var (
		srcErr      error
		srcFinished bool
		runErr      error
	)

loop:
	for {
		select {
		case d := <-out:
			if runErr = p.handle(ctx, d); runErr != nil {
				break loop
			}
		case <-ticker.C:
			if runErr = p.tick(ctx); runErr != nil {
				break loop
			}
		case srcErr = <-srcDone:
			srcFinished = true
			break loop
		case <-ctx.Done():
			break loop
		case <-p.stopCh:
			break loop
		}
	}

	p.setState(StateDraining)
	cancelSrc()
	if err := p.source.Stop(); err != nil {
		p.log.Warn("source stop failed", logger.String("source", p.srcName), logger.Error(err))
	}

	// keep receiving until Subscribe returns so a blocked send can complete
	for !srcFinished {
		select {
		case d := <-out:
			if runErr == nil {
				runErr = p.handle(ctx, d)
			}
		case srcErr = <-srcDone:
			srcFinished = true
		}
	}
	for draining := true; draining; {
		select {
		case d := <-out:
			if runErr == nil {
				runErr = p.handle(ctx, d)
			}
		default:
			draining = false
		}
	}

	if runErr == nil {
		runErr = p.drain(ctx)
	}

	if err := p.sink.Close(); err != nil {
		p.log.Warn("sink close failed", logger.String("sink", p.sink.Name()), logger.Error(err))
	}
	p.setState(StateStopped)

	if runErr != nil {
		p.log.Error("pipeline stopped with error",
			logger.String("pipeline", p.opts.Name),
			logger.Int("unacknowledged", p.acks.Outstanding()),
			logger.Error(runErr),
		)
		return runErr
	}
	if srcErr != nil {
		return fmt.Errorf("source %s: %w", p.srcName, srcErr)
	}
	p.log.Info("pipeline finished", logger.String("pipeline", p.opts.Name))
	return nil
}

func (p *Pipeline) start(ctx context.Context) error {
	if p.source == nil || p.sink == nil || p.guard == nil {
		return fmt.Errorf("%w: source, sink and guard are required", ErrInvalidOptions)
	}
	if err := p.opts.validate(); err != nil {
		return err
	}
	p.srcName = p.source.Name()

	if p.opts.Window > 0 {
		agg, err := NewAggregator(p.opts.Window)
		if err != nil {
			return err
		}
		p.agg = agg
	}

	p.acks = NewAckTracker(p.metrics, p.log)
	opts := append([]DispatcherOption{WithFlushHook(p.acks.OnFlushed)}, p.dispatchOpts...)
	disp, err := NewDispatcher(p.sink, p.opts.Dispatcher, p.metrics, p.log, opts...)
	if err != nil {
		return err
	}
	p.disp = disp

	if err := p.sink.Init(ctx); err != nil {
		return fmt.Errorf("init sink %s: %w", p.sink.Name(), err)
	}
	return nil
}

func (p *Pipeline) handle(ctx context.Context, d domrepo.Delivery) error {
	fctx := context.WithoutCancel(ctx)

	trades := p.guard.Filter(p.srcName, d.Trades)
	candles := p.guard.FilterCandles(p.srcName, d.Candles)

	var windows map[string]int64
	for _, t := range trades {
		p.metrics.RecordTrades(p.srcName, t.Symbol, 1)
		p.metrics.RecordLastPrice(t.Symbol, t.Price)

		if p.agg == nil {
			if err := p.add(ctx, t); err != nil {
				return err
			}
			continue
		}

		closed, err := p.agg.Add(t)
		if err != nil {
			if errors.Is(err, ErrLateTrade) {
				p.metrics.RecordRejected("late_trade")
				p.log.Warn("late trade dropped", logger.String("symbol", t.Symbol), logger.Error(err))
				continue
			}
			return err
		}
		if windows == nil {
			windows = make(map[string]int64)
		}
		ws := p.agg.WindowStart(t.TimestampMs)
		if prev, ok := windows[t.Symbol]; !ok || ws > prev {
			windows[t.Symbol] = ws
		}
		if closed != nil {
			p.metrics.RecordCandle(closed.Symbol)
			if err := p.add(ctx, *closed); err != nil {
				return err
			}
		}
	}
	for _, c := range candles {
		if err := p.add(ctx, c); err != nil {
			return err
		}
	}

	if p.agg != nil {
		p.windows.Store(int64(p.agg.OpenWindows()))
	}
	p.acks.Track(fctx, d.Commit, p.added, windows)
	return nil
}

func (p *Pipeline) add(ctx context.Context, rec models.Record) error {
	p.added++
	err := p.disp.Add(context.WithoutCancel(ctx), rec)
	p.pending.Store(int64(p.disp.Pending()))
	if err != nil {
		return p.recover(ctx, err)
	}
	return nil
}

func (p *Pipeline) tick(ctx context.Context) error {
	fctx := context.WithoutCancel(ctx)
	err := p.disp.Tick(fctx)
	p.pending.Store(int64(p.disp.Pending()))
	if err != nil {
		return p.recover(ctx, err)
	}
	p.acks.Release(fctx)
	return nil
}

// recover applies the flush failure policy. Backfill gives up at once; live
// keeps retrying the buffered batch, which blocks intake and so backs up the
// source, until it succeeds, ctx is cancelled or Stop is called.
func (p *Pipeline) recover(ctx context.Context, err error) error {
	if !errors.Is(err, ErrFlushFailed) || p.opts.Mode == ModeBackfill {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	for attempt := 1; ; attempt++ {
		p.metrics.RecordError("flush")
		p.log.Error("flush failed, retrying",
			logger.String("pipeline", p.opts.Name),
			logger.String("sink", p.sink.Name()),
			logger.Int("attempt", attempt),
			logger.Int("pending", p.disp.Pending()),
			logger.Error(err),
		)
		if serr := p.sleep(ctx, p.opts.Dispatcher.RetryDelay); serr != nil {
			return fmt.Errorf("%w (gave up: %v)", err, serr)
		}
		if err = p.disp.Flush(context.WithoutCancel(ctx)); err == nil {
			p.pending.Store(0)
			return nil
		}
	}
}

func (p *Pipeline) drain(ctx context.Context) error {
	fctx := context.WithoutCancel(ctx)
	if p.agg != nil {
		for _, c := range p.agg.Flush() {
			p.metrics.RecordCandle(c.Symbol)
			if err := p.add(ctx, c); err != nil {
				return err
			}
		}
		p.windows.Store(0)
	}
	if err := p.disp.Flush(fctx); err != nil {
		if err = p.recover(ctx, err); err != nil {
			return err
		}
	}
	p.pending.Store(0)
	p.acks.Release(fctx)
	if n := p.acks.Outstanding(); n > 0 {
		return fmt.Errorf("%d deliveries left unacknowledged", n)
	}
	return nil
}

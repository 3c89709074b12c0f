package topic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"CandleFlow/internal/domain/models"
	drepo "CandleFlow/internal/domain/repository"
	"CandleFlow/pkg/logger"
)

const (
	PayloadTrade  = "trade"
	PayloadCandle = "candle"
)

// Reader is the poll/commit surface of a consumer group member. The owner
// closes it after the pipeline has released its acknowledgements.
type Reader interface {
	Topic() string
	Poll(ctx context.Context) (kafka.Message, bool, error)
	Commit(ctx context.Context, msg kafka.Message) error
}

type Config struct {
	// Payload is PayloadTrade or PayloadCandle.
	Payload string
	// ExitOnIdle ends Subscribe after this long without a message. 0 runs forever.
	ExitOnIdle time.Duration
	// RetryDelay is the pause after a failed poll.
	RetryDelay time.Duration
}

// Source replays a Kafka topic as deliveries. Each message becomes one
// Delivery whose Commit commits that message's offset.
type Source struct {
	cfg     Config
	reader  Reader
	metrics drepo.Metrics
	log     *logger.Logger
	now     func() time.Time

	active   atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

type Option func(*Source)

// WithClock replaces time.Now for idle detection.
func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

func NewSource(cfg Config, reader Reader, metrics drepo.Metrics, log *logger.Logger, opts ...Option) (*Source, error) {
	if cfg.Payload != PayloadTrade && cfg.Payload != PayloadCandle {
		return nil, fmt.Errorf("topic source: unknown payload %q", cfg.Payload)
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	s := &Source{
		cfg:     cfg,
		reader:  reader,
		metrics: metrics,
		log:     log.With(logger.String("source", "kafka_topic"), logger.String("topic", reader.Topic())),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Source) Name() string { return "kafka_topic" }

func (s *Source) IsActive() bool { return s.active.Load() }

func (s *Source) Stop() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}

// Subscribe polls until stopped, ctx is done, or the topic stays idle for
// ExitOnIdle. Messages for symbols outside the set are committed without
// records; an empty set accepts everything.
func (s *Source) Subscribe(ctx context.Context, symbols []string, out chan<- drepo.Delivery) error {
	s.active.Store(true)
	defer s.active.Store(false)

	allowed := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		allowed[strings.ToUpper(sym)] = struct{}{}
	}

	s.log.Info("topic source started", logger.String("payload", s.cfg.Payload))
	lastMsg := s.now()
	for {
		if s.done(ctx) {
			return nil
		}

		msg, ok, err := s.reader.Poll(ctx)
		if err != nil {
			if s.done(ctx) || errors.Is(err, context.Canceled) {
				return nil
			}
			s.metrics.RecordError("kafka_poll")
			s.log.Warn("kafka poll error", logger.Error(err))
			if !s.wait(ctx, s.cfg.RetryDelay) {
				return nil
			}
			continue
		}
		if !ok {
			if s.cfg.ExitOnIdle > 0 && s.now().Sub(lastMsg) >= s.cfg.ExitOnIdle {
				s.log.Info("topic idle, source complete", logger.Duration("idle_ms", s.cfg.ExitOnIdle))
				return nil
			}
			continue
		}
		lastMsg = s.now()

		d := s.decode(msg, allowed)
		select {
		case out <- d:
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		}
	}
}

func (s *Source) decode(msg kafka.Message, allowed map[string]struct{}) drepo.Delivery {
	d := drepo.Delivery{
		Commit: func(ctx context.Context) error { return s.reader.Commit(ctx, msg) },
	}

	var (
		symbol string
		err    error
	)
	switch s.cfg.Payload {
	case PayloadTrade:
		var t models.Trade
		t, err = decodeTrade(msg.Value)
		symbol = t.Symbol
		if err == nil && accepts(allowed, symbol) {
			d.Trades = []models.Trade{t}
			s.metrics.RecordTrades(s.Name(), t.Symbol, 1)
		}
	case PayloadCandle:
		var c models.Candle
		c, err = decodeCandle(msg.Value)
		symbol = c.Symbol
		if err == nil && accepts(allowed, symbol) {
			d.Candles = []models.Candle{c}
		}
	}
	if err != nil {
		s.metrics.RecordRejected("malformed_message")
		s.log.Warn("malformed message skipped",
			logger.Int("partition", msg.Partition),
			logger.Int64("offset", msg.Offset),
			logger.Error(err),
		)
	}
	return d
}

func accepts(allowed map[string]struct{}, symbol string) bool {
	if len(allowed) == 0 {
		return true
	}
	_, ok := allowed[strings.ToUpper(symbol)]
	return ok
}

func decodeTrade(b []byte) (models.Trade, error) {
	var t models.Trade
	if err := json.Unmarshal(b, &t); err != nil {
		return models.Trade{}, fmt.Errorf("decode trade: %w", err)
	}
	if t.Symbol == "" {
		return models.Trade{}, fmt.Errorf("decode trade: missing symbol")
	}
	return t, nil
}

type candleMessage struct {
	models.Candle
	TimestampMs int64 `json:"timestamp_ms"`
}

func decodeCandle(b []byte) (models.Candle, error) {
	var m candleMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return models.Candle{}, fmt.Errorf("decode candle: %w", err)
	}
	c := m.Candle
	if c.WindowStartMs == 0 {
		c.WindowStartMs = m.TimestampMs
	}
	if c.Symbol == "" {
		return models.Candle{}, fmt.Errorf("decode candle: missing symbol")
	}
	return c, nil
}

func (s *Source) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.stopCh:
		return false
	}
}

func (s *Source) done(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

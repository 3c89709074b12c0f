package kraken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"CandleFlow/internal/domain/models"
	drepo "CandleFlow/internal/domain/repository"
	"CandleFlow/internal/service/ratelimit"
	pkghttp "CandleFlow/pkg/http"
	"CandleFlow/pkg/logger"
)

const (
	DefaultRestURL = "https://api.kraken.com/0/public/Trades"

	rateLimitMarker = "EGeneral:Too many requests"
	limiterKey      = "kraken_public_trades"
)

// ErrRateLimited is returned by a page request the API refused for rate.
var ErrRateLimited = errors.New("kraken: rate limited")

type HistoricalConfig struct {
	RestURL           string
	JobID             string
	Start             time.Time
	End               time.Time
	RateLimitBackoff  time.Duration
	RetryDelay        time.Duration
	MaxRetries        int // consecutive non rate-limit failures per page; 0 means unlimited
	RequestsPerSecond float64
}

// Historical replays trades from Kraken's public Trades endpoint for
// [Start, End), one symbol after another. Each page becomes one Delivery whose
// Commit stores the cursor, so a restarted job resumes after the last page the
// pipeline acknowledged.
type Historical struct {
	cfg     HistoricalConfig
	client  *pkghttp.Client
	cursors drepo.CursorStore
	limiter *ratelimit.Limiter
	metrics drepo.Metrics
	log     *logger.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	active   atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

type HistoricalOption func(*Historical)

// WithSleeper replaces the wait used for backoff between attempts.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) HistoricalOption {
	return func(h *Historical) { h.sleep = sleep }
}

func NewHistorical(cfg HistoricalConfig, client *pkghttp.Client, cursors drepo.CursorStore, limiter *ratelimit.Limiter, metrics drepo.Metrics, log *logger.Logger, opts ...HistoricalOption) *Historical {
	if cfg.RestURL == "" {
		cfg.RestURL = DefaultRestURL
	}
	if cfg.RateLimitBackoff <= 0 {
		cfg.RateLimitBackoff = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	h := &Historical{
		cfg:     cfg,
		client:  client,
		cursors: cursors,
		limiter: limiter,
		metrics: metrics,
		log:     log.With(logger.String("source", "kraken_historical"), logger.String("job_id", cfg.JobID)),
		sleep:   sleepCtx,
		stopCh:  make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Historical) Name() string { return "kraken_historical" }

func (h *Historical) IsActive() bool { return h.active.Load() }

func (h *Historical) Stop() error {
	h.stopOnce.Do(func() { close(h.stopCh) })
	return nil
}

// CursorKey names the stored cursor of one symbol within a backfill job.
func CursorKey(jobID, symbol string) string {
	return "backfill:" + jobID + ":" + symbol
}

// Subscribe downloads every symbol in turn and returns nil once the range is
// covered or the source was stopped.
func (h *Historical) Subscribe(ctx context.Context, symbols []string, out chan<- drepo.Delivery) error {
	if !h.cfg.End.After(h.cfg.Start) {
		return fmt.Errorf("kraken historical: empty range [%s, %s)", h.cfg.Start, h.cfg.End)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-h.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	h.active.Store(true)
	defer h.active.Store(false)

	for _, s := range symbols {
		if ctx.Err() != nil {
			return nil
		}
		if err := h.backfill(ctx, FromPair(s), out); err != nil {
			return err
		}
	}
	return nil
}

func (h *Historical) backfill(ctx context.Context, symbol string, out chan<- drepo.Delivery) error {
	pair, err := ToPair(symbol)
	if err != nil {
		return err
	}
	key := CursorKey(h.cfg.JobID, symbol)
	startNs := h.cfg.Start.UnixMilli() * int64(time.Millisecond)
	endNs := h.cfg.End.UnixMilli() * int64(time.Millisecond)

	cursor := startNs
	stored, ok, err := h.cursors.Load(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("load cursor %s: %w", key, err)
	}
	if ok && stored > cursor {
		cursor = stored
		h.log.Info("resuming backfill", logger.String("symbol", symbol), logger.Int64("cursor_ns", cursor))
	}
	if cursor >= endNs {
		h.log.Info("backfill range already covered", logger.String("symbol", symbol))
		return nil
	}

	failures := 0
	pages := 0
	for cursor < endNs {
		if err := h.limiter.Wait(ctx, limiterKey, 1, h.cfg.RequestsPerSecond); err != nil {
			return nil
		}

		start := time.Now()
		trades, err := h.fetch(ctx, pair, symbol, cursor)
		h.metrics.RecordLatency("kraken_trades_request", time.Since(start).Seconds())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrRateLimited) {
				h.metrics.RecordError("rate_limited")
				h.log.Warn("rate limited, backing off",
					logger.String("symbol", symbol),
					logger.Int64("cursor_ns", cursor),
					logger.Duration("backoff_ms", h.cfg.RateLimitBackoff),
				)
				if h.sleep(ctx, h.cfg.RateLimitBackoff) != nil {
					return nil
				}
				continue
			}

			failures++
			h.metrics.RecordError("backfill_request")
			h.log.Error("trades request failed",
				logger.String("symbol", symbol),
				logger.Int64("cursor_ns", cursor),
				logger.Int("attempt", failures),
				logger.Error(err),
			)
			if h.cfg.MaxRetries > 0 && failures > h.cfg.MaxRetries {
				return fmt.Errorf("kraken historical %s at cursor %d: %w", symbol, cursor, err)
			}
			if h.sleep(ctx, h.cfg.RetryDelay) != nil {
				return nil
			}
			continue
		}
		failures = 0

		page, next := filterPage(trades, cursor, endNs)
		if len(page) == 0 {
			break
		}

		pageCursor := next
		d := drepo.Delivery{
			Trades: page,
			Commit: func(ctx context.Context) error {
				return h.cursors.Save(ctx, key, pageCursor)
			},
		}
		select {
		case out <- d:
		case <-ctx.Done():
			return nil
		}
		cursor = next
		pages++
	}

	// mark the whole range as covered once everything before it is acknowledged
	done := drepo.Delivery{
		Commit: func(ctx context.Context) error {
			return h.cursors.Save(ctx, key, endNs)
		},
	}
	select {
	case out <- done:
	case <-ctx.Done():
		return nil
	}

	h.log.Info("backfill finished",
		logger.String("symbol", symbol),
		logger.Int("pages", pages),
		logger.Int64("cursor_ns", cursor),
	)
	return nil
}

// nsTrade is a trade with its exact nanosecond timestamp.
type nsTrade struct {
	trade models.Trade
	tsNs  int64
}

// filterPage keeps trades with cursor <= ts < end and returns them with the
// next cursor, one past the newest kept trade.
func filterPage(trades []nsTrade, cursor, endNs int64) ([]models.Trade, int64) {
	out := make([]models.Trade, 0, len(trades))
	next := cursor
	for _, t := range trades {
		if t.tsNs < cursor || t.tsNs >= endNs {
			continue
		}
		out = append(out, t.trade)
		if t.tsNs+1 > next {
			next = t.tsNs + 1
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TimestampMs < out[j].TimestampMs })
	return out, next
}

type tradesResponse struct {
	Error  []string                   `json:"error"`
	Result map[string]json.RawMessage `json:"result"`
}

// fetch requests one page for pair and tags the trades with symbol.
func (h *Historical) fetch(ctx context.Context, pair, symbol string, sinceNs int64) ([]nsTrade, error) {
	var resp tradesResponse
	err := h.client.SendAndParse(ctx, &pkghttp.RequestOptions{
		Method: pkghttp.MethodGet,
		URL:    h.cfg.RestURL,
		QueryParams: map[string][]string{
			"pair":  {pair},
			"since": {strconv.FormatInt(sinceNs, 10)},
		},
	}, &resp)
	if err != nil {
		var se *pkghttp.StatusError
		if errors.As(err, &se) && se.Code == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		return nil, err
	}

	for _, e := range resp.Error {
		if strings.Contains(e, rateLimitMarker) {
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, e)
		}
	}
	if len(resp.Error) > 0 {
		return nil, fmt.Errorf("kraken: api error: %s", strings.Join(resp.Error, "; "))
	}

	// the pair key is Kraken's own spelling (e.g. XBTUSDT); the other key is "last"
	var raw json.RawMessage
	for k, v := range resp.Result {
		if k != "last" {
			raw = v
			break
		}
	}
	if raw == nil {
		return nil, nil
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("kraken: decode trades: %w", err)
	}

	trades := make([]nsTrade, 0, len(rows))
	for _, row := range rows {
		t, err := parseRow(symbol, row)
		if err != nil {
			h.metrics.RecordRejected("malformed_trade")
			h.log.Warn("skipping malformed trade row", logger.String("symbol", symbol), logger.Error(err))
			continue
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// parseRow reads [price, volume, time, ...] where price and volume are usually
// strings and time is fractional unix seconds.
func parseRow(symbol string, row []json.RawMessage) (nsTrade, error) {
	if len(row) < 3 {
		return nsTrade{}, fmt.Errorf("row has %d fields", len(row))
	}
	var price, qty, ts decimal.Decimal
	if err := json.Unmarshal(row[0], &price); err != nil {
		return nsTrade{}, fmt.Errorf("price: %w", err)
	}
	if err := json.Unmarshal(row[1], &qty); err != nil {
		return nsTrade{}, fmt.Errorf("volume: %w", err)
	}
	if err := json.Unmarshal(row[2], &ts); err != nil {
		return nsTrade{}, fmt.Errorf("time: %w", err)
	}
	tsNs := ts.Shift(9).IntPart()
	return nsTrade{
		trade: models.Trade{
			Symbol:      symbol,
			Price:       price.InexactFloat64(),
			Qty:         qty.InexactFloat64(),
			TimestampMs: tsNs / int64(time.Millisecond),
		},
		tsNs: tsNs,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

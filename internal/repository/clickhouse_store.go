package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"CandleFlow/internal/domain/models"
	domrepo "CandleFlow/internal/domain/repository"
	pkgch "CandleFlow/pkg/clickhouse"
	applogger "CandleFlow/pkg/logger"
)

const (
	tradeColumns  = "symbol, ts, price, qty"
	candleColumns = "symbol, window_start, window_end, open, high, low, close, volume"
)

// CHStore writes trades and candles to ClickHouse and serves candle reads.
// Candle tables are ReplacingMergeTree keyed on (symbol, window_start) so
// redelivered batches collapse on merge.
type CHStore struct {
	db       *sql.DB
	database string
	tf       domrepo.Timeframe
	chunk    int
	metrics  domrepo.Metrics
	l        *applogger.Logger
}

// NewCHStore creates a ClickHouse store writing candles of timeframe tf.
func NewCHStore(ch *pkgch.Client, database string, tf domrepo.Timeframe, chunk int, metrics domrepo.Metrics, l *applogger.Logger) *CHStore {
	if chunk <= 0 {
		chunk = 1000
	}
	return &CHStore{db: ch.DB(), database: database, tf: tf, chunk: chunk, metrics: metrics, l: l}
}

func (s *CHStore) Name() string { return "clickhouse" }

// Init creates the trades table and the candle table for the store timeframe.
func (s *CHStore) Init(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE DATABASE IF NOT EXISTS %s`, s.database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    symbol LowCardinality(String),
    ts DateTime64(3, 'UTC'),
    price Float64,
    qty Float64,
    inserted_at DateTime DEFAULT now()
) ENGINE = ReplacingMergeTree(inserted_at)
ORDER BY (symbol, ts, price, qty)`, s.tradesTable()),
	}
	if s.tf != "" {
		table, err := s.candlesTable(s.tf)
		if err != nil {
			return err
		}
		stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    symbol LowCardinality(String),
    window_start DateTime64(3, 'UTC'),
    window_end DateTime64(3, 'UTC'),
    open Float64,
    high Float64,
    low Float64,
    close Float64,
    volume Float64,
    inserted_at DateTime DEFAULT now()
) ENGINE = ReplacingMergeTree(inserted_at)
ORDER BY (symbol, window_start)`, table))
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clickhouse init schema: %w", err)
		}
	}
	return nil
}

// WriteBatch inserts trades and candles in multi-row chunks. A failed chunk
// fails the whole batch; earlier chunks are deduplicated on redelivery.
func (s *CHStore) WriteBatch(ctx context.Context, records []models.Record) (int, error) {
	trades, candles := splitRecords(records)

	if len(trades) > 0 {
		rows := make([][]interface{}, 0, len(trades))
		for _, t := range trades {
			rows = append(rows, []interface{}{t.Symbol, time.UnixMilli(t.TimestampMs).UTC(), t.Price, t.Qty})
		}
		if err := s.insert(ctx, s.tradesTable(), tradeColumns, rows); err != nil {
			return 0, err
		}
	}

	if len(candles) > 0 {
		table, err := s.candlesTable(s.tf)
		if err != nil {
			return 0, err
		}
		rows := make([][]interface{}, 0, len(candles))
		for _, c := range candles {
			rows = append(rows, []interface{}{
				c.Symbol,
				time.UnixMilli(c.WindowStartMs).UTC(),
				time.UnixMilli(c.WindowEndMs).UTC(),
				c.Open, c.High, c.Low, c.Close, c.Volume,
			})
		}
		if err := s.insert(ctx, table, candleColumns, rows); err != nil {
			return 0, err
		}
	}
	return len(records), nil
}

func (s *CHStore) insert(ctx context.Context, table, columns string, rows [][]interface{}) error {
	for start := 0; start < len(rows); start += s.chunk {
		end := start + s.chunk
		if end > len(rows) {
			end = len(rows)
		}
		q, args := buildInsert(table, columns, rows[start:end])
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			s.l.Error("clickhouse insert error",
				applogger.String("table", table),
				applogger.Int("rows", end-start),
				applogger.Error(err),
			)
			return fmt.Errorf("insert into %s: %w", table, err)
		}
	}
	return nil
}

// GetCandles returns candles with window_start in [from, to], ascending.
func (s *CHStore) GetCandles(ctx context.Context, symbol string, from, to time.Time, tf domrepo.Timeframe) ([]models.Candle, error) {
	start := time.Now()
	table, err := s.candlesTable(tf)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`
        SELECT %s
        FROM %s FINAL
        WHERE symbol = ? AND window_start >= ? AND window_start <= ?
        ORDER BY window_start ASC
    `, candleColumns, table)
	out, err := s.queryCandles(ctx, q, symbol, from.UTC(), to.UTC())
	if err != nil {
		s.l.Error("clickhouse get_candles error",
			applogger.String("table", table),
			applogger.String("symbol", symbol),
			applogger.Error(err),
		)
		return nil, fmt.Errorf("get candles: %w", err)
	}
	s.metrics.RecordLatency("clickhouse_get_candles", time.Since(start).Seconds())
	s.l.Debug("clickhouse get_candles ok",
		applogger.String("table", table),
		applogger.String("symbol", symbol),
		applogger.Int("rows", len(out)),
		applogger.Duration("duration_ms", time.Since(start)),
	)
	return out, nil
}

// GetLatestNCandles returns the newest n candles, ascending.
func (s *CHStore) GetLatestNCandles(ctx context.Context, symbol string, n int, tf domrepo.Timeframe) ([]models.Candle, error) {
	start := time.Now()
	table, err := s.candlesTable(tf)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`
        SELECT %s
        FROM %s FINAL
        WHERE symbol = ?
        ORDER BY window_start DESC
        LIMIT ?
    `, candleColumns, table)
	out, err := s.queryCandles(ctx, q, symbol, n)
	if err != nil {
		s.l.Error("clickhouse latest_candles error",
			applogger.String("table", table),
			applogger.String("symbol", symbol),
			applogger.Int("limit", n),
			applogger.Error(err),
		)
		return nil, fmt.Errorf("get latest candles: %w", err)
	}
	reverseCandles(out)
	s.metrics.RecordLatency("clickhouse_latest_candles", time.Since(start).Seconds())
	return out, nil
}

func (s *CHStore) queryCandles(ctx context.Context, q string, args ...interface{}) ([]models.Candle, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Candle, 0, 256)
	for rows.Next() {
		var (
			c          models.Candle
			start, end time.Time
		)
		if err := rows.Scan(&c.Symbol, &start, &end, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		c.WindowStartMs = start.UnixMilli()
		c.WindowEndMs = end.UnixMilli()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

// Close is a no-op; the pool is owned by the client.
func (s *CHStore) Close() error { return nil }

func (s *CHStore) tradesTable() string {
	return s.database + ".trades"
}

func (s *CHStore) candlesTable(tf domrepo.Timeframe) (string, error) {
	return candlesTableFor(s.database, tf)
}

func candlesTableFor(database string, tf domrepo.Timeframe) (string, error) {
	if !tf.IsValid() {
		return "", fmt.Errorf("unsupported timeframe: %q", tf)
	}
	return fmt.Sprintf("%s.candles_%s", database, tf), nil
}

// buildInsert renders a multi-row VALUES insert with positional args.
func buildInsert(table, columns string, rows [][]interface{}) (string, []interface{}) {
	if len(rows) == 0 {
		return "", nil
	}
	n := len(rows[0])
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", n), ", ") + ")"

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*n)
	for _, r := range rows {
		values = append(values, placeholder)
		args = append(args, r...)
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", table, columns, strings.Join(values, ","))
	return q, args
}

func splitRecords(records []models.Record) ([]models.Trade, []models.Candle) {
	var (
		trades  []models.Trade
		candles []models.Candle
	)
	for _, r := range records {
		switch v := r.(type) {
		case models.Trade:
			trades = append(trades, v)
		case *models.Trade:
			trades = append(trades, *v)
		case models.Candle:
			candles = append(candles, v)
		case *models.Candle:
			candles = append(candles, *v)
		}
	}
	return trades, candles
}

func reverseCandles(cs []models.Candle) {
	for i, j := 0, len(cs)-1; i < j; i, j = i+1, j-1 {
		cs[i], cs[j] = cs[j], cs[i]
	}
}

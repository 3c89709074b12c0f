package middleware

import (
	"strings"

	"CandleFlow/internal/domain/models"
	domrepo "CandleFlow/internal/domain/repository"
	"CandleFlow/pkg/logger"
	"CandleFlow/pkg/util"
)

// TradeGuard sits between a source and the aggregator. It drops malformed
// trades and trades for symbols the pipeline did not subscribe to, logging and
// counting each rejection. Accepted trades are passed through unchanged except
// for symbol upper-casing.
type TradeGuard struct {
	metrics domrepo.Metrics
	log     *logger.Logger
	allowed map[string]struct{}
}

type GuardOption func(*TradeGuard)

// WithSymbols restricts accepted trades to the given symbols. An empty list
// accepts every symbol.
func WithSymbols(symbols []string) GuardOption {
	return func(g *TradeGuard) {
		if len(symbols) == 0 {
			g.allowed = nil
			return
		}
		g.allowed = make(map[string]struct{}, len(symbols))
		for _, s := range util.UpperSymbols(symbols) {
			g.allowed[s] = struct{}{}
		}
	}
}

func NewTradeGuard(metrics domrepo.Metrics, log *logger.Logger, opts ...GuardOption) *TradeGuard {
	g := &TradeGuard{metrics: metrics, log: log}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Filter returns the accepted trades. The input slice is not modified.
func (g *TradeGuard) Filter(source string, trades []models.Trade) []models.Trade {
	if len(trades) == 0 {
		return nil
	}
	out := make([]models.Trade, 0, len(trades))
	for _, t := range trades {
		t.Symbol = strings.ToUpper(t.Symbol)
		if err := t.Validate(); err != nil {
			g.reject("invalid_trade", source, t.Symbol, err)
			continue
		}
		if g.allowed != nil {
			if _, ok := g.allowed[t.Symbol]; !ok {
				g.reject("unknown_symbol", source, t.Symbol, nil)
				continue
			}
		}
		out = append(out, t)
	}
	return out
}

// FilterCandles applies the same checks to pre-aggregated candles.
func (g *TradeGuard) FilterCandles(source string, candles []models.Candle) []models.Candle {
	if len(candles) == 0 {
		return nil
	}
	out := make([]models.Candle, 0, len(candles))
	for _, c := range candles {
		c.Symbol = strings.ToUpper(c.Symbol)
		if err := c.Validate(); err != nil {
			g.reject("invalid_candle", source, c.Symbol, err)
			continue
		}
		if g.allowed != nil {
			if _, ok := g.allowed[c.Symbol]; !ok {
				g.reject("unknown_symbol", source, c.Symbol, nil)
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

func (g *TradeGuard) reject(reason, source, symbol string, err error) {
	g.metrics.RecordRejected(reason)
	fields := []logger.Field{
		logger.String("reason", reason),
		logger.String("source", source),
		logger.String("symbol", symbol),
	}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	g.log.Warn("record rejected", fields...)
}

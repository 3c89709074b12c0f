package kraken

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"CandleFlow/internal/domain/models"
	drepo "CandleFlow/internal/domain/repository"
	"CandleFlow/internal/service/wsfeed"
	"CandleFlow/pkg/logger"
)

const DefaultWebSocketURL = "wss://ws.kraken.com/v2"

type StreamConfig struct {
	WebSocketURL   string
	PingInterval   time.Duration
	ReconnectDelay time.Duration
	MaxReconnects  int
}

// NewStream returns the live trade source for Kraken's v2 websocket.
func NewStream(cfg StreamConfig, metrics drepo.Metrics, log *logger.Logger) *wsfeed.Client {
	url := cfg.WebSocketURL
	if url == "" {
		url = DefaultWebSocketURL
	}
	return wsfeed.New(&protocol{log: log}, wsfeed.Options{
		URL:            url,
		PingInterval:   cfg.PingInterval,
		ReconnectDelay: cfg.ReconnectDelay,
		MaxReconnects:  cfg.MaxReconnects,
	}, metrics, log)
}

type protocol struct {
	log *logger.Logger
}

func (p *protocol) Name() string { return "kraken" }

type subscribeParams struct {
	Channel  string   `json:"channel"`
	Symbol   []string `json:"symbol"`
	Snapshot bool     `json:"snapshot"`
}

type request struct {
	Method string           `json:"method"`
	Params *subscribeParams `json:"params,omitempty"`
}

func (p *protocol) SubscribeMessage(symbols []string) (interface{}, error) {
	pairs := make([]string, 0, len(symbols))
	for _, s := range symbols {
		pair, err := ToPair(FromPair(s))
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	return request{
		Method: "subscribe",
		Params: &subscribeParams{Channel: "trade", Symbol: pairs, Snapshot: false},
	}, nil
}

func (p *protocol) PingMessage() interface{} { return request{Method: "ping"} }

type wsTrade struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
	Timestamp string          `json:"timestamp"`
}

type wsMessage struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Method  string          `json:"method"`
	Success *bool           `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func (p *protocol) Decode(frame []byte) ([]models.Trade, error) {
	var m wsMessage
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, fmt.Errorf("kraken: decode frame: %w", err)
	}

	if m.Method != "" {
		if m.Method == "subscribe" {
			if m.Success != nil && !*m.Success {
				return nil, fmt.Errorf("%w: %s", wsfeed.ErrRejected, m.Error)
			}
			p.log.Info("kraken subscription acknowledged")
		}
		return nil, nil
	}

	// heartbeat, status and book channels carry no trades
	if m.Channel != "trade" {
		return nil, nil
	}

	var items []wsTrade
	if err := json.Unmarshal(m.Data, &items); err != nil {
		return nil, fmt.Errorf("kraken: decode trades: %w", err)
	}

	trades := make([]models.Trade, 0, len(items))
	for _, it := range items {
		ts, err := time.Parse(time.RFC3339Nano, it.Timestamp)
		if err != nil {
			p.log.Warn("kraken trade with bad timestamp", logger.String("timestamp", it.Timestamp))
			continue
		}
		trades = append(trades, models.Trade{
			Symbol:      FromPair(it.Symbol),
			Price:       it.Price.InexactFloat64(),
			Qty:         it.Qty.InexactFloat64(),
			TimestampMs: ts.UnixMilli(),
		})
	}
	return trades, nil
}

package bybit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"CandleFlow/internal/domain/models"
	drepo "CandleFlow/internal/domain/repository"
	"CandleFlow/internal/service/wsfeed"
	"CandleFlow/pkg/logger"
)

const (
	DefaultWebSocketURL = "wss://stream.bybit.com/v5/public/spot"

	tradeTopicPrefix = "publicTrade."
)

type StreamConfig struct {
	WebSocketURL   string
	PingInterval   time.Duration
	ReconnectDelay time.Duration
	MaxReconnects  int
}

// NewStream returns the live trade source for Bybit spot public trades.
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

func (p *protocol) Name() string { return "bybit" }

type opRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

// SubscribeMessage builds one subscription covering every symbol's
// publicTrade topic.
func (p *protocol) SubscribeMessage(symbols []string) (interface{}, error) {
	args := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			return nil, fmt.Errorf("bybit: empty symbol")
		}
		args = append(args, tradeTopicPrefix+s)
	}
	return opRequest{Op: "subscribe", Args: args}, nil
}

func (p *protocol) PingMessage() interface{} { return opRequest{Op: "ping"} }

type wsTrade struct {
	Symbol    string          `json:"s"`
	Side      string          `json:"S"`
	Price     decimal.Decimal `json:"p"`
	Volume    decimal.Decimal `json:"v"`
	Timestamp int64           `json:"T"`
}

type wsMessage struct {
	Topic   string          `json:"topic"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Data    json.RawMessage `json:"data"`
}

func (p *protocol) Decode(frame []byte) ([]models.Trade, error) {
	var m wsMessage
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, fmt.Errorf("bybit: decode frame: %w", err)
	}

	if m.Op != "" {
		if m.Op == "subscribe" && m.Success != nil && !*m.Success {
			return nil, fmt.Errorf("%w: %s", wsfeed.ErrRejected, m.RetMsg)
		}
		if m.Op == "subscribe" {
			p.log.Info("bybit subscription acknowledged")
		}
		return nil, nil
	}
	if !strings.HasPrefix(m.Topic, tradeTopicPrefix) {
		return nil, nil
	}

	var items []wsTrade
	if err := json.Unmarshal(m.Data, &items); err != nil {
		return nil, fmt.Errorf("bybit: decode trades: %w", err)
	}
	trades := make([]models.Trade, 0, len(items))
	for _, it := range items {
		trades = append(trades, models.Trade{
			Symbol:      strings.ToUpper(it.Symbol),
			Price:       it.Price.InexactFloat64(),
			Qty:         it.Volume.InexactFloat64(),
			TimestampMs: it.Timestamp,
		})
	}
	return trades, nil
}

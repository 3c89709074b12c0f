package finnhub

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"CandleFlow/internal/domain/models"
	drepo "CandleFlow/internal/domain/repository"
	"CandleFlow/internal/service/wsfeed"
	"CandleFlow/pkg/logger"
)

const DefaultWebSocketURL = "wss://ws.finnhub.io"

type StreamConfig struct {
	WebSocketURL   string
	APIKey         string
	PingInterval   time.Duration
	ReconnectDelay time.Duration
	MaxReconnects  int
}

// NewStream returns the live trade source backed by the Finnhub websocket.
// Symbols are exchange-qualified, e.g. BINANCE:BTCUSDT.
func NewStream(cfg StreamConfig, metrics drepo.Metrics, log *logger.Logger) (*wsfeed.Client, error) {
	raw := cfg.WebSocketURL
	if raw == "" {
		raw = DefaultWebSocketURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("finnhub: websocket url: %w", err)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("finnhub: api key is required")
	}
	q := u.Query()
	q.Set("token", cfg.APIKey)
	u.RawQuery = q.Encode()

	return wsfeed.New(protocol{}, wsfeed.Options{
		URL:            u.String(),
		PingInterval:   cfg.PingInterval,
		ReconnectDelay: cfg.ReconnectDelay,
		MaxReconnects:  cfg.MaxReconnects,
	}, metrics, log), nil
}

type protocol struct{}

func (protocol) Name() string { return "finnhub" }

type subscribeRequest struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

// SubscribeMessage sends one subscribe frame per symbol.
func (protocol) SubscribeMessage(symbols []string) (interface{}, error) {
	msgs := make(wsfeed.Messages, 0, len(symbols))
	for _, s := range symbols {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, fmt.Errorf("finnhub: empty symbol")
		}
		msgs = append(msgs, subscribeRequest{Type: "subscribe", Symbol: s})
	}
	return msgs, nil
}

func (protocol) PingMessage() interface{} { return nil }

type fhTrade struct {
	S string  `json:"s"`
	P float64 `json:"p"`
	V float64 `json:"v"`
	T int64   `json:"t"` // ms
}

type fhMessage struct {
	Type string    `json:"type"`
	Msg  string    `json:"msg"`
	Data []fhTrade `json:"data"`
}

func (protocol) Decode(frame []byte) ([]models.Trade, error) {
	var m fhMessage
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, fmt.Errorf("finnhub: decode frame: %w", err)
	}
	switch m.Type {
	case "trade":
	case "error":
		return nil, fmt.Errorf("%w: %s", wsfeed.ErrRejected, m.Msg)
	default:
		// ping and other non-trade frames
		return nil, nil
	}

	trades := make([]models.Trade, 0, len(m.Data))
	for _, d := range m.Data {
		trades = append(trades, models.Trade{
			Symbol:      d.S,
			Price:       d.P,
			Qty:         d.V,
			TimestampMs: d.T,
		})
	}
	return trades, nil
}

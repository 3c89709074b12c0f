package finnhub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	drepo "CandleFlow/internal/domain/repository"
	"CandleFlow/internal/service/wsfeed"
	"CandleFlow/pkg/logger"
	"CandleFlow/pkg/metrics"
)

const tradeFrame = `{"data":[{"c":null,"p":7296.89,"s":"BINANCE:BTCUSDT","t":1575526691134,"v":0.011467}],"type":"trade"}`

func TestDecode(t *testing.T) {
	trades, err := protocol{}.Decode([]byte(tradeFrame))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "BINANCE:BTCUSDT", trades[0].Symbol)
	assert.Equal(t, 7296.89, trades[0].Price)
	assert.Equal(t, 0.011467, trades[0].Qty)
	assert.Equal(t, int64(1575526691134), trades[0].TimestampMs)

	trades, err = protocol{}.Decode([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.Empty(t, trades)

	_, err = protocol{}.Decode([]byte(`{"type":"error","msg":"Invalid API key"}`))
	assert.ErrorIs(t, err, wsfeed.ErrRejected)

	_, err = protocol{}.Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestSubscribeMessage(t *testing.T) {
	msg, err := protocol{}.SubscribeMessage([]string{"BINANCE:BTCUSDT", " AAPL "})
	require.NoError(t, err)
	assert.Equal(t, wsfeed.Messages{
		subscribeRequest{Type: "subscribe", Symbol: "BINANCE:BTCUSDT"},
		subscribeRequest{Type: "subscribe", Symbol: "AAPL"},
	}, msg)

	_, err = protocol{}.SubscribeMessage([]string{""})
	assert.Error(t, err)
}

func TestNewStreamRequiresKey(t *testing.T) {
	_, err := NewStream(StreamConfig{}, metrics.Nop{}, logger.Nop())
	assert.Error(t, err)
}

func TestStreamDeliversTrades(t *testing.T) {
	tokens := make(chan string, 1)
	subs := make(chan subscribeRequest, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.URL.Query().Get("token")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 2; i++ {
			var sub subscribeRequest
			if err := conn.ReadJSON(&sub); err != nil {
				return
			}
			subs <- sub
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(tradeFrame))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	stream, err := NewStream(StreamConfig{
		WebSocketURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		APIKey:       "secret",
	}, metrics.Nop{}, logger.Nop())
	require.NoError(t, err)
	assert.Equal(t, "finnhub", stream.Name())

	out := make(chan drepo.Delivery, 4)
	done := make(chan error, 1)
	go func() {
		done <- stream.Subscribe(context.Background(), []string{"BINANCE:BTCUSDT", "BINANCE:ETHUSDT"}, out)
	}()

	select {
	case d := <-out:
		require.Len(t, d.Trades, 1)
		assert.Equal(t, "BINANCE:BTCUSDT", d.Trades[0].Symbol)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for trades")
	}
	assert.Equal(t, "secret", <-tokens)
	assert.Equal(t, "BINANCE:BTCUSDT", (<-subs).Symbol)
	assert.Equal(t, "BINANCE:ETHUSDT", (<-subs).Symbol)

	require.NoError(t, stream.Stop())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe did not return after Stop")
	}
}

package bybit

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

const tradeFrame = `{"topic":"publicTrade.BTCUSDT","type":"snapshot","ts":1672304486868,` +
	`"data":[{"T":1672304486865,"s":"BTCUSDT","S":"Buy","v":"0.001","p":"16578.50","L":"PlusTick","i":"20f43950","BT":false},` +
	`{"T":1672304486866,"s":"BTCUSDT","S":"Sell","v":"0.002","p":"16578.00","L":"MinusTick","i":"20f43951","BT":false}]}`

func TestDecode(t *testing.T) {
	p := &protocol{log: logger.Nop()}

	trades, err := p.Decode([]byte(tradeFrame))
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "BTCUSDT", trades[0].Symbol)
	assert.Equal(t, 16578.5, trades[0].Price)
	assert.Equal(t, 0.001, trades[0].Qty)
	assert.Equal(t, int64(1672304486865), trades[0].TimestampMs)
	assert.Equal(t, "BTCUSDT", trades[1].Symbol)

	for _, frame := range []string{
		`{"success":true,"ret_msg":"","conn_id":"abc","op":"subscribe"}`,
		`{"success":true,"ret_msg":"pong","conn_id":"abc","op":"ping"}`,
		`{"topic":"orderbook.1.BTCUSDT","data":{}}`,
	} {
		trades, err := p.Decode([]byte(frame))
		require.NoError(t, err, frame)
		assert.Empty(t, trades, frame)
	}

	_, err = p.Decode([]byte(`{"success":false,"ret_msg":"error:handler not found","op":"subscribe"}`))
	assert.ErrorIs(t, err, wsfeed.ErrRejected)
}

func TestSubscribeMessage(t *testing.T) {
	p := &protocol{log: logger.Nop()}
	msg, err := p.SubscribeMessage([]string{"btcusdt", "ETHUSDT"})
	require.NoError(t, err)
	assert.Equal(t, opRequest{Op: "subscribe", Args: []string{"publicTrade.BTCUSDT", "publicTrade.ETHUSDT"}}, msg)

	_, err = p.SubscribeMessage([]string{" "})
	assert.Error(t, err)
}

func TestStreamDeliversTrades(t *testing.T) {
	subs := make(chan opRequest, 2)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var sub opRequest
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subs <- sub
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"success":true,"op":"subscribe"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(tradeFrame))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	stream := NewStream(StreamConfig{WebSocketURL: "ws" + strings.TrimPrefix(srv.URL, "http")}, metrics.Nop{}, logger.Nop())
	assert.Equal(t, "bybit", stream.Name())

	out := make(chan drepo.Delivery, 4)
	done := make(chan error, 1)
	go func() { done <- stream.Subscribe(context.Background(), []string{"BTCUSDT"}, out) }()

	select {
	case d := <-out:
		assert.Len(t, d.Trades, 2)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for trades")
	}
	assert.Equal(t, []string{"publicTrade.BTCUSDT"}, (<-subs).Args)

	require.NoError(t, stream.Stop())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe did not return after Stop")
	}
}

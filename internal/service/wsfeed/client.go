package wsfeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"CandleFlow/internal/domain/models"
	drepo "CandleFlow/internal/domain/repository"
	"CandleFlow/pkg/logger"
)

var (
	// ErrRejected is returned by a Protocol when the exchange refused the
	// subscription. It ends Subscribe.
	ErrRejected = errors.New("subscription rejected")
	// ErrReconnectBudget is returned when the connection could not be
	// re-established within the configured number of attempts.
	ErrReconnectBudget = errors.New("reconnect budget exhausted")
)

// Protocol is the exchange-specific part of a streaming trade feed.
type Protocol interface {
	Name() string
	SubscribeMessage(symbols []string) (interface{}, error)
	// PingMessage returns an application ping, or nil for a control frame ping.
	PingMessage() interface{}
	// Decode returns the trades carried by a frame. Frames without trades
	// (acks, heartbeats, pongs) return nil, nil.
	Decode(frame []byte) ([]models.Trade, error)
}

// Messages is a subscription that goes out as one frame per element.
type Messages []interface{}

type Options struct {
	URL            string
	PingInterval   time.Duration
	ReconnectDelay time.Duration
	MaxReconnects  int // consecutive failed attempts; 0 means unlimited
	Dialer         *websocket.Dialer
}

// Client runs a Protocol over a websocket and implements TradeSource.
type Client struct {
	proto   Protocol
	opts    Options
	metrics drepo.Metrics
	log     *logger.Logger

	active atomic.Bool

	mu       sync.Mutex
	conn     *websocket.Conn
	stopCh   chan struct{}
	stopOnce sync.Once
	writeMu  sync.Mutex
}

func New(proto Protocol, opts Options, metrics drepo.Metrics, log *logger.Logger) *Client {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.ReconnectDelay < 0 {
		opts.ReconnectDelay = 0
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{
		proto:   proto,
		opts:    opts,
		metrics: metrics,
		log:     log.With(logger.String("source", proto.Name())),
		stopCh:  make(chan struct{}),
	}
}

func (c *Client) Name() string { return c.proto.Name() }

// IsActive indicates whether a subscribed connection is up.
func (c *Client) IsActive() bool { return c.active.Load() }

// Stop closes the connection and makes Subscribe return.
func (c *Client) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	return c.closeConn()
}

// Subscribe connects, subscribes and streams trades until ctx is done or
// Stop is called. Dropped connections are re-established with the same
// subscription.
func (c *Client) Subscribe(ctx context.Context, symbols []string, out chan<- drepo.Delivery) error {
	if len(symbols) == 0 {
		return fmt.Errorf("%s: no symbols", c.proto.Name())
	}
	sub, err := c.proto.SubscribeMessage(symbols)
	if err != nil {
		return fmt.Errorf("%s: build subscription: %w", c.proto.Name(), err)
	}

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.closeConn()
		case <-c.stopCh:
		case <-finished:
		}
	}()

	failures := 0
	for {
		if c.done(ctx) {
			return nil
		}

		err := c.session(ctx, sub, out)
		c.active.Store(false)
		if c.done(ctx) {
			return nil
		}
		if errors.Is(err, ErrRejected) {
			return fmt.Errorf("%s: %w", c.proto.Name(), err)
		}

		var connected *sessionEnded
		if errors.As(err, &connected) {
			failures = 0
		}
		failures++
		c.metrics.RecordError("ws_disconnect")
		if c.opts.MaxReconnects > 0 && failures > c.opts.MaxReconnects {
			c.log.Error("giving up on websocket", logger.Int("attempts", failures-1), logger.Error(err))
			return fmt.Errorf("%s: %w: %v", c.proto.Name(), ErrReconnectBudget, err)
		}
		c.log.Warn("websocket disconnected, reconnecting",
			logger.Int("attempt", failures),
			logger.Duration("delay_ms", c.opts.ReconnectDelay),
			logger.Error(err),
		)

		t := time.NewTimer(c.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-c.stopCh:
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// sessionEnded wraps the error that ended a connection which had been
// subscribed successfully.
type sessionEnded struct{ err error }

func (e *sessionEnded) Error() string { return e.err.Error() }

func (e *sessionEnded) Unwrap() error { return e.err }

func (c *Client) session(ctx context.Context, sub interface{}, out chan<- drepo.Delivery) error {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	c.mu.Lock()
	if c.done(ctx) {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.mu.Unlock()
	defer c.closeConn()

	readTimeout := 3 * c.opts.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	if err := c.subscribe(conn, sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	c.active.Store(true)
	c.log.Info("websocket subscribed", logger.String("url", c.opts.URL))

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingLoop(conn, pingDone)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return &sessionEnded{err: fmt.Errorf("read: %w", err)}
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		trades, err := c.proto.Decode(frame)
		if err != nil {
			if errors.Is(err, ErrRejected) {
				return err
			}
			c.metrics.RecordRejected("malformed_frame")
			c.log.Warn("skipping frame", logger.Error(err), logger.Int("bytes", len(frame)))
			continue
		}
		if len(trades) == 0 {
			continue
		}

		select {
		case out <- drepo.Delivery{Trades: trades}:
		case <-ctx.Done():
			return nil
		case <-c.stopCh:
			return nil
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			var err error
			if msg := c.proto.PingMessage(); msg != nil {
				err = c.write(conn, msg)
			} else {
				c.writeMu.Lock()
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				c.writeMu.Unlock()
			}
			if err != nil {
				c.log.Debug("ping failed", logger.Error(err))
				return
			}
		}
	}
}

func (c *Client) subscribe(conn *websocket.Conn, sub interface{}) error {
	msgs, ok := sub.(Messages)
	if !ok {
		return c.write(conn, sub)
	}
	for _, m := range msgs {
		if err := c.write(conn, m); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) write(conn *websocket.Conn, msg interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(msg)
}

func (c *Client) closeConn() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func (c *Client) done(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

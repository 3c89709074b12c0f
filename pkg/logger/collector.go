package logger

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Publisher ships aggregated alerts somewhere an operator will see them.
type Publisher interface {
	PublishMessage(ctx context.Context, topic string, payload interface{}) error
}

type CollectionConfig struct {
	TimeInterval   time.Duration // flush interval
	CountThreshold int           // distinct alerts before an early flush
	Topic          string
	Publisher      Publisher
}

// Alert is one deduplicated error line with its occurrence count.
type Alert struct {
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields"`
	Caller    string                 `json:"caller"`
	Count     int                    `json:"count"`
	FirstSeen time.Time              `json:"first_seen"`
	LastSeen  time.Time              `json:"last_seen"`
}

// AlertCollector deduplicates error logs and publishes them in batches, so a
// sink that keeps failing produces one alert with a count instead of a flood.
type AlertCollector struct {
	config  *CollectionConfig
	pending map[string]*Alert
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewAlertCollector(config *CollectionConfig) *AlertCollector {
	if config.TimeInterval <= 0 {
		config.TimeInterval = 30 * time.Second
	}
	if config.CountThreshold <= 0 {
		config.CountThreshold = 100
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &AlertCollector{
		config:  config,
		pending: make(map[string]*Alert),
		ctx:     ctx,
		cancel:  cancel,
	}

	c.wg.Add(1)
	go c.periodicFlush()

	return c
}

func (c *AlertCollector) Add(level, message string, fields map[string]interface{}, caller string) {
	now := time.Now()
	key := alertKey(level, message, fields, caller)

	c.mu.Lock()
	defer c.mu.Unlock()

	if a, ok := c.pending[key]; ok {
		a.Count++
		a.LastSeen = now
	} else {
		c.pending[key] = &Alert{
			Level:     level,
			Message:   message,
			Fields:    fields,
			Caller:    caller,
			Count:     1,
			FirstSeen: now,
			LastSeen:  now,
		}
	}

	if len(c.pending) >= c.config.CountThreshold {
		c.flushLocked()
	}
}

// Pending returns the number of distinct alerts not yet published.
func (c *AlertCollector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// alertKey collapses lines with identical level, message, fields and caller.
func alertKey(level, message string, fields map[string]interface{}, caller string) string {
	data, _ := json.Marshal(struct {
		Level   string                 `json:"level"`
		Message string                 `json:"message"`
		Fields  map[string]interface{} `json:"fields"`
		Caller  string                 `json:"caller"`
	}{level, message, fields, caller})
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

func (c *AlertCollector) periodicFlush() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.TimeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.flushLocked()
			c.mu.Unlock()
		case <-c.ctx.Done():
			c.mu.Lock()
			c.flushLocked()
			c.mu.Unlock()
			return
		}
	}
}

func (c *AlertCollector) flushLocked() {
	if len(c.pending) == 0 {
		return
	}
	if c.config.Publisher == nil {
		c.pending = make(map[string]*Alert)
		return
	}

	alerts := make([]Alert, 0, len(c.pending))
	for _, a := range c.pending {
		alerts = append(alerts, *a)
	}
	c.pending = make(map[string]*Alert)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := c.config.Publisher.PublishMessage(ctx, c.config.Topic, alerts); err != nil {
			fmt.Fprintf(os.Stderr, "failed to publish %d alerts: %v\n", len(alerts), err)
		}
	}()
}

func (c *AlertCollector) Close() {
	c.cancel()
	c.wg.Wait()
}

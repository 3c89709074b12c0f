package kafka

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
)

// Consumer reads one topic within a consumer group. Offsets are committed
// explicitly by the caller once the message has been handled downstream.
type Consumer struct {
	reader *kafka.Reader
	cfg    ConsumerConfig
}

// NewConsumer creates a new Kafka consumer.
func NewConsumer(opts ...ConsumerOption) (*Consumer, error) {
	cfg := defaultConsumerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	start := kafka.FirstOffset
	if cfg.StartOffset == "latest" {
		start = kafka.LastOffset
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		MinBytes:    cfg.MinBytes,
		MaxBytes:    cfg.MaxBytes,
		StartOffset: start,
		// offsets are committed synchronously through Commit
		CommitInterval: 0,
	})

	consumerMetricsOnce.Do(initConsumerMetrics)
	return &Consumer{reader: reader, cfg: cfg}, nil
}

// Topic returns the consumed topic.
func (c *Consumer) Topic() string { return c.cfg.Topic }

// Poll waits up to the poll timeout for the next message. ok is false when
// nothing arrived in time.
func (c *Consumer) Poll(ctx context.Context) (msg kafka.Message, ok bool, err error) {
	pctx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()

	msg, err = c.reader.FetchMessage(pctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return kafka.Message{}, false, nil
		}
		return kafka.Message{}, false, err
	}
	consumerFetched.WithLabelValues(msg.Topic).Inc()
	return msg, true, nil
}

// Commit commits the offset of msg with bounded retries.
func (c *Consumer) Commit(ctx context.Context, msg kafka.Message) error {
	return commitWithRetry(ctx, c.reader, msg, c.cfg.RetryMax, c.cfg.BackoffMin, c.cfg.BackoffMax)
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

type committer interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// commitWithRetry commits a single message offset with bounded retries.
func commitWithRetry(ctx context.Context, r committer, km kafka.Message, max int, min, maxBackoff time.Duration) error {
	if max <= 0 {
		max = 1
	}
	var err error
	for attempt := 1; attempt <= max; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err = r.CommitMessages(cctx, km)
		cancel()
		if err == nil {
			consumerCommits.WithLabelValues(km.Topic, "ok").Inc()
			return nil
		}
		if attempt == max {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffWithJitter(min, maxBackoff, attempt)):
		}
	}
	consumerCommits.WithLabelValues(km.Topic, "error").Inc()
	return fmt.Errorf("commit offset %d on %s/%d after %d attempts: %w", km.Offset, km.Topic, km.Partition, max, err)
}

func backoffWithJitter(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		min = 50 * time.Millisecond
	}
	if max < min {
		max = min
	}
	// exponential backoff base
	exp := min * time.Duration(1<<uint(attempt-1))
	if exp > max || exp <= 0 {
		exp = max
	}
	// jitter up to 50%
	half := int64(exp) / 2
	if half <= 0 {
		return exp
	}
	return exp - time.Duration(rand.Int63n(half))
}

// Consumer metrics
var (
	consumerFetched     *prometheus.CounterVec
	consumerCommits     *prometheus.CounterVec
	consumerMetricsOnce sync.Once
	consumerRegisterer  prometheus.Registerer = prometheus.DefaultRegisterer
)

// SetConsumerMetricsRegisterer sets a custom Prometheus registerer for consumer metrics (useful for testing).
func SetConsumerMetricsRegisterer(reg prometheus.Registerer) { consumerRegisterer = reg }

func initConsumerMetrics() {
	f := promauto.With(consumerRegisterer)
	consumerFetched = f.NewCounterVec(
		prometheus.CounterOpts{Name: "candleflow_kafka_consumer_messages_total", Help: "Messages fetched from Kafka"},
		[]string{"topic"},
	)
	consumerCommits = f.NewCounterVec(
		prometheus.CounterOpts{Name: "candleflow_kafka_consumer_commits_total", Help: "Offset commits by result"},
		[]string{"topic", "result"},
	)
}

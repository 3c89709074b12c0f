package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by Pop when the topic list has no messages.
var ErrEmpty = errors.New("queue empty")

// Message is the envelope stored in a topic list.
type Message struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// listClient is the subset of *redis.Client the queue uses.
type listClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	RPop(ctx context.Context, key string) *redis.StringCmd
}

// RedisQueue publishes messages onto capped Redis lists, one list per topic.
// Producers LPUSH and consumers RPOP, so each list is FIFO.
type RedisQueue struct {
	client    listClient
	keyPrefix string
	maxLen    int64
	now       func() time.Time
}

// RedisQueueOption configures RedisQueue.
type RedisQueueOption func(*RedisQueue)

// WithKeyPrefix sets custom key prefix.
func WithKeyPrefix(prefix string) RedisQueueOption {
	return func(r *RedisQueue) {
		r.keyPrefix = prefix
	}
}

// WithMaxLen caps each topic list; older messages are trimmed. 0 disables the cap.
func WithMaxLen(n int64) RedisQueueOption {
	return func(r *RedisQueue) {
		r.maxLen = n
	}
}

// NewRedisPublisher creates a publisher and checks the connection.
func NewRedisPublisher(ctx context.Context, client *redis.Client, opts ...RedisQueueOption) (*RedisQueue, error) {
	q := newRedisQueue(client, opts...)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return q, nil
}

func newRedisQueue(client listClient, opts ...RedisQueueOption) *RedisQueue {
	q := &RedisQueue{
		client:    client,
		keyPrefix: "candleflow:queue",
		maxLen:    10000,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// PublishMessage wraps payload in a Message and pushes it onto the topic list.
func (r *RedisQueue) PublishMessage(ctx context.Context, topic string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	now := r.now()
	msg := Message{
		ID:        fmt.Sprintf("%d", now.UnixNano()),
		Topic:     topic,
		Payload:   raw,
		Timestamp: now,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	key := r.key(topic)
	if err := r.client.LPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("lpush: %w", err)
	}
	if r.maxLen > 0 {
		if err := r.client.LTrim(ctx, key, 0, r.maxLen-1).Err(); err != nil {
			return fmt.Errorf("ltrim: %w", err)
		}
	}
	return nil
}

// Pop removes and returns the oldest message of a topic.
func (r *RedisQueue) Pop(ctx context.Context, topic string) (Message, error) {
	data, err := r.client.RPop(ctx, r.key(topic)).Result()
	if errors.Is(err, redis.Nil) {
		return Message{}, ErrEmpty
	}
	if err != nil {
		return Message{}, fmt.Errorf("rpop: %w", err)
	}
	var msg Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return Message{}, fmt.Errorf("unmarshal message: %w", err)
	}
	return msg, nil
}

func (r *RedisQueue) key(topic string) string {
	return fmt.Sprintf("%s:%s", r.keyPrefix, topic)
}

// ParsePayload decodes a message payload into T.
func ParsePayload[T any](msg Message) (*T, error) {
	var result T
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return &result, nil
}

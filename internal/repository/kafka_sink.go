package repository

import (
	"context"
	"fmt"

	"CandleFlow/internal/domain/models"
	pkgkafka "CandleFlow/pkg/kafka"
	applogger "CandleFlow/pkg/logger"
)

// BatchPublisher is the producer surface used by KafkaSink.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, topic string, messages []pkgkafka.Message) error
	Close() error
}

// TopicEnsurer creates the destination topic if needed.
type TopicEnsurer func(ctx context.Context, topic string) error

// KafkaSink publishes records as JSON keyed by symbol so a hash balancer
// keeps per-symbol order within a partition.
type KafkaSink struct {
	producer BatchPublisher
	topic    string
	ensure   TopicEnsurer
	l        *applogger.Logger
}

// NewKafkaSink creates a Kafka sink. ensure may be nil.
func NewKafkaSink(producer BatchPublisher, topic string, ensure TopicEnsurer, l *applogger.Logger) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic, ensure: ensure, l: l}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Init(ctx context.Context) error {
	if s.topic == "" {
		return fmt.Errorf("kafka sink: topic is required")
	}
	if s.ensure == nil {
		return nil
	}
	if err := s.ensure(ctx, s.topic); err != nil {
		return fmt.Errorf("kafka sink: ensure topic %s: %w", s.topic, err)
	}
	s.l.Info("kafka topic ready", applogger.String("topic", s.topic))
	return nil
}

func (s *KafkaSink) WriteBatch(ctx context.Context, records []models.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	msgs := make([]pkgkafka.Message, 0, len(records))
	for _, r := range records {
		msgs = append(msgs, pkgkafka.Message{
			Key:   []byte(r.RecordKey()),
			Value: recordPayload(r),
		})
	}
	if err := s.producer.PublishBatch(ctx, s.topic, msgs); err != nil {
		return 0, err
	}
	return len(records), nil
}

func (s *KafkaSink) Close() error {
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

func recordPayload(r models.Record) interface{} {
	switch v := r.(type) {
	case models.Candle:
		return v.MarshalPayload()
	case *models.Candle:
		return v.MarshalPayload()
	default:
		return r
	}
}

package logger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	alerts [][]Alert
}

func (p *recordingPublisher) PublishMessage(_ context.Context, topic string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.alerts = append(p.alerts, payload.([]Alert))
	return nil
}

func TestCollectorDeduplicatesErrors(t *testing.T) {
	pub := &recordingPublisher{}
	l := Nop()
	l.AttachCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 10, Topic: "alerts", Publisher: pub})
	child := l.With(String("component", "sink"))

	for i := 0; i < 3; i++ {
		child.Error("flush failed", String("sink", "kafka"))
	}
	child.Info("not collected")
	child.Warn("not collected either")
	assert.Equal(t, 1, l.collector.Pending())

	l.DetachCollector()

	require.Len(t, pub.alerts, 1)
	assert.Equal(t, "alerts", pub.topics[0])
	require.Len(t, pub.alerts[0], 1)
	a := pub.alerts[0][0]
	assert.Equal(t, "error", a.Level)
	assert.Equal(t, "flush failed", a.Message)
	assert.Equal(t, 3, a.Count)
	assert.Equal(t, "kafka", a.Fields["sink"])
}

func TestCollectorFlushesAtThreshold(t *testing.T) {
	pub := &recordingPublisher{}
	c := NewAlertCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 2, Topic: "alerts", Publisher: pub})

	c.Add("error", "a", nil, "x.go:1")
	assert.Equal(t, 1, c.Pending())
	c.Add("error", "b", nil, "x.go:2")
	assert.Equal(t, 0, c.Pending())

	c.Close()
	require.Len(t, pub.alerts, 1)
	assert.Len(t, pub.alerts[0], 2)
}

func TestCollectorWithoutPublisherDrops(t *testing.T) {
	c := NewAlertCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 1})
	c.Add("error", "a", nil, "x.go:1")
	assert.Equal(t, 0, c.Pending())
	c.Close()
}

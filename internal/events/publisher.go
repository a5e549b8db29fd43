// Package events publishes lifecycle transitions to downstream dashboards and
// notification pipelines. The coordinator only writes to this channel; nothing
// in the core ever reads from it.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/example/battery-swap/internal/models"
	"github.com/segmentio/kafka-go"
)

// Publisher receives every swap lifecycle transition.
type Publisher interface {
	Publish(t models.Transition) error
}

// Nop discards transitions; used when no broker is configured.
type Nop struct{}

func (Nop) Publish(models.Transition) error { return nil }

// KafkaPublisher writes transitions to a Kafka topic keyed by swap id.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaPublisher{writer: w}
}

func (k *KafkaPublisher) Publish(t models.Transition) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(t)
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(t.SwapID), Value: b})
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Fanout forwards each transition to several publishers, best-effort.
type Fanout []Publisher

func (f Fanout) Publish(t models.Transition) error {
	var firstErr error
	for _, p := range f {
		if err := p.Publish(t); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Package kafka carries run events out of the catalog and run triggers into
// it.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"feedcatalog/internal/ingest"
)

// SetupProducer creates a synchronous producer for brokers, falling back to
// localhost:9092 when none are configured.
//
// The producer is configured with:
//   - Synchronous operation (waits for acknowledgment)
//   - 5MB maximum message size (run events carry per-reason skip counts)
func SetupProducer(brokers []string) (sarama.SyncProducer, error) {
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}

	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.MaxMessageBytes = 5 * 1024 * 1024

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	logrus.WithField("brokers", brokers).Info("Kafka producer initialized")
	return producer, nil
}

// RunPublisher publishes terminal run events, keyed by shop name so the
// events of one shop stay ordered within a partition.
type RunPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

func NewRunPublisher(producer sarama.SyncProducer, topic string) *RunPublisher {
	return &RunPublisher{producer: producer, topic: topic}
}

func (p *RunPublisher) PublishRun(_ context.Context, ev ingest.RunEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode run event: %w", err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ev.Shop),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		return fmt.Errorf("publish run event: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"topic":     p.topic,
		"run_id":    ev.RunID,
		"partition": partition,
		"offset":    offset,
	}).Debug("Run event published")
	return nil
}

func (p *RunPublisher) Close() error {
	return p.producer.Close()
}

package events

import (
	"context"
	"fmt"
	"strconv"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const flushTimeoutMs = 5000

// producer is the subset of *kafka.Producer the publisher needs
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

// KafkaPublisher produces events as JSON keyed by trade id, so every event
// of a trade lands on the same partition.
type KafkaPublisher struct {
	producer producer
	topic    string
}

func NewKafkaPublisher(brokers, topic string) (*KafkaPublisher, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              "all",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	kp := newKafkaPublisher(p, topic)
	log.Info().Str("component", "events").Str("brokers", brokers).Str("topic", topic).Msg("Kafka producer initialized")
	return kp, nil
}

func newKafkaPublisher(p producer, topic string) *KafkaPublisher {
	kp := &KafkaPublisher{producer: p, topic: topic}
	go kp.deliveryReports()
	return kp
}

func (k *KafkaPublisher) deliveryReports() {
	for e := range k.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				eventsFailed.Inc()
				log.Error().
					Str("component", "events").
					Err(ev.TopicPartition.Error).
					Str("key", string(ev.Key)).
					Msg("event delivery failed")
			}
		case kafka.Error:
			log.Error().Str("component", "events").Err(ev).Msg("kafka error")
		}
	}
}

func (k *KafkaPublisher) Publish(_ context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	err = k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &k.topic, Partition: kafka.PartitionAny},
		Key:            []byte(strconv.FormatUint(event.TradeID, 10)),
		Value:          value,
		Headers:        []kafka.Header{{Key: "type", Value: []byte(event.Type)}},
	}, nil)
	if err != nil {
		eventsFailed.Inc()
		return fmt.Errorf("produce event: %w", err)
	}

	eventsPublished.WithLabelValues(string(event.Type)).Inc()
	return nil
}

// Close flushes outstanding messages and closes the producer
func (k *KafkaPublisher) Close() {
	if remaining := k.producer.Flush(flushTimeoutMs); remaining > 0 {
		log.Warn().Str("component", "events").Int("remaining", remaining).Msg("unflushed events on close")
	}
	k.producer.Close()
	log.Info().Str("component", "events").Msg("Kafka producer closed")
}

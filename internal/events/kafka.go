package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const flushTimeoutMs = 5000

type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

type KafkaPublisher struct {
	producer producer
	topic    string
	log      *zap.Logger
	done     chan struct{}
}

func NewKafkaPublisher(bootstrapServers, topic, clientID string, log *zap.Logger) (*KafkaPublisher, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  bootstrapServers,
		"client.id":          clientID,
		"acks":               "all",
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newKafkaPublisher(p, topic, log), nil
}

func newKafkaPublisher(p producer, topic string, log *zap.Logger) *KafkaPublisher {
	pub := &KafkaPublisher{
		producer: p,
		topic:    topic,
		log:      log.Named("events.kafka"),
		done:     make(chan struct{}),
	}
	go pub.drain()
	return pub
}

func (p *KafkaPublisher) PublishChargeOutcome(ctx context.Context, event ChargeOutcomeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	event = prepare(event)
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	topic := p.topic
	return p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(event.ScheduleID),
		Value:          payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "event_id", Value: []byte(event.EventID)},
		},
	}, nil)
}

// drain consumes delivery reports until the producer is closed.
func (p *KafkaPublisher) drain() {
	defer close(p.done)
	for ev := range p.producer.Events() {
		switch e := ev.(type) {
		case *kafka.Message:
			if e.TopicPartition.Error != nil {
				p.log.Warn("charge outcome delivery failed",
					zap.String("key", string(e.Key)),
					zap.Error(e.TopicPartition.Error),
				)
			}
		case kafka.Error:
			p.log.Warn("kafka producer error", zap.Error(e))
		}
	}
}

func (p *KafkaPublisher) Close() {
	if remaining := p.producer.Flush(flushTimeoutMs); remaining > 0 {
		p.log.Warn("kafka flush left undelivered events", zap.Int("remaining", remaining))
	}
	p.producer.Close()
	<-p.done
}

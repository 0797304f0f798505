package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
)

// Transport forwards critical events to an out-of-band alerting system.
type Transport interface {
	Send(ctx context.Context, evt AuditEvent) error
	Close() error
}

// TransportSink adapts t into an AlertSink.
func TransportSink(t Transport) AlertSink {
	return t.Send
}

// KafkaTransport implements Transport using Kafka.
type KafkaTransport struct {
	producer   sarama.SyncProducer
	topic      string
	maxRetries int
	retryDelay time.Duration
}

// KafkaOption configures KafkaTransport.
type KafkaOption func(*KafkaTransport)

// WithKafkaRetries sets the number of retries.
func WithKafkaRetries(n int) KafkaOption {
	return func(t *KafkaTransport) { t.maxRetries = n }
}

// WithKafkaRetryDelay sets the initial retry delay.
func WithKafkaRetryDelay(d time.Duration) KafkaOption {
	return func(t *KafkaTransport) { t.retryDelay = d }
}

// NewKafkaTransport creates a Kafka transport publishing to topic.
func NewKafkaTransport(brokers []string, topic string, opts ...KafkaOption) (*KafkaTransport, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return NewKafkaTransportWithProducer(producer, topic, opts...), nil
}

// NewKafkaTransportWithProducer wraps an existing producer.
func NewKafkaTransportWithProducer(producer sarama.SyncProducer, topic string, opts ...KafkaOption) *KafkaTransport {
	t := &KafkaTransport{
		producer:   producer,
		topic:      topic,
		maxRetries: 3,
		retryDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send publishes evt keyed by its event id, retrying with exponential backoff.
// The event is sent synchronously because alerts must not be deferred.
func (t *KafkaTransport) Send(ctx context.Context, evt AuditEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: t.topic,
		Key:   sarama.StringEncoder(evt.EventID),
		Value: sarama.ByteEncoder(data),
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.retryDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(t.maxRetries)), ctx)
	return backoff.Retry(func() error {
		_, _, err := t.producer.SendMessage(msg)
		return err
	}, policy)
}

// Close shuts down the producer.
func (t *KafkaTransport) Close() error {
	return t.producer.Close()
}

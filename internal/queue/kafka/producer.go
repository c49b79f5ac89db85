// Package kafka carries async relay requests over a Kafka topic.
//
// The Producer is the relay.AsyncQueue used by the client proxy, the
// Consumer reads the topic back and hands each request to a delivery
// function, normally the async sender.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/nordic-institute/X-Road-sub019/internal/metrics"
	"github.com/nordic-institute/X-Road-sub019/pkg/relay"
)

// Record headers set on every produced message
const (
	HeaderClient  = "x-road-client"
	HeaderService = "x-road-service"
	HeaderQueryID = "x-road-query-id"
)

// ErrClosed is returned after Close
var ErrClosed = errors.New("kafka queue closed")

// Config holds the Kafka queue settings
type Config struct {
	Brokers  []string
	Topic    string
	GroupID  string
	ClientID string
}

// Validate checks the required fields
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka queue: brokers required")
	}
	if c.Topic == "" {
		return errors.New("kafka queue: topic required")
	}
	return nil
}

// NewSaramaConfig returns the client configuration shared by the producer
// and the consumer.
func NewSaramaConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_6_0_0
	if clientID != "" {
		cfg.ClientID = clientID
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Net.MaxOpenRequests = 1
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	return cfg
}

// Producer publishes async requests. Messages are keyed by client so the
// requests of one client stay ordered.
type Producer struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
	metrics  *metrics.Recorder

	mu     sync.RWMutex
	closed bool
}

// ProducerOption configures a Producer
type ProducerOption func(*Producer)

// WithProducerLogger sets the logger
func WithProducerLogger(l *zap.Logger) ProducerOption {
	return func(p *Producer) { p.logger = l }
}

// WithProducerMetrics sets the metrics recorder
func WithProducerMetrics(m *metrics.Recorder) ProducerOption {
	return func(p *Producer) { p.metrics = m }
}

// NewProducer wraps a sync producer publishing to topic
func NewProducer(producer sarama.SyncProducer, topic string, opts ...ProducerOption) (*Producer, error) {
	if producer == nil {
		return nil, errors.New("kafka queue: producer required")
	}
	if topic == "" {
		return nil, errors.New("kafka queue: topic required")
	}
	p := &Producer{producer: producer, topic: topic, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// DialProducer connects a producer to the configured brokers
func DialProducer(cfg Config, opts ...ProducerOption) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sp, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig(cfg.ClientID))
	if err != nil {
		return nil, fmt.Errorf("kafka queue: create producer: %w", err)
	}
	return NewProducer(sp, cfg.Topic, opts...)
}

// Enqueue implements relay.AsyncQueue
func (p *Producer) Enqueue(ctx context.Context, msg *relay.ProxyMessage) error {
	err := p.send(ctx, msg)
	p.metrics.ObserveQueued("kafka", err)
	return err
}

func (p *Producer) send(ctx context.Context, msg *relay.ProxyMessage) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	if msg.Header == nil {
		return relay.ErrMissingHeader
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	h := msg.Header
	km := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(h.Client.String()),
		Value: sarama.ByteEncoder(msg.Raw),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderClient), Value: []byte(h.Client.String())},
			{Key: []byte(HeaderService), Value: []byte(h.Service.String())},
			{Key: []byte(HeaderQueryID), Value: []byte(h.QueryID)},
		},
	}
	partition, offset, err := p.producer.SendMessage(km)
	if err != nil {
		return fmt.Errorf("kafka queue: publish %s: %w", h.QueryID, err)
	}
	p.logger.Debug("async request queued",
		zap.String("queryId", h.QueryID),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

// Close flushes and closes the producer
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.producer.Close()
}

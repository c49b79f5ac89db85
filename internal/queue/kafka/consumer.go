package kafka

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/nordic-institute/X-Road-sub019/pkg/relay"
)

// DeliverFunc handles one queued request. An error is logged; the request
// is not redelivered.
type DeliverFunc func(ctx context.Context, msg *relay.ProxyMessage) error

// Consumer reads queued requests with a consumer group
type Consumer struct {
	group   sarama.ConsumerGroup
	topic   string
	handler *groupHandler
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewConsumer wraps a consumer group reading topic
func NewConsumer(group sarama.ConsumerGroup, topic string, deliver DeliverFunc, logger *zap.Logger) (*Consumer, error) {
	if group == nil {
		return nil, errors.New("kafka queue: consumer group required")
	}
	if topic == "" {
		return nil, errors.New("kafka queue: topic required")
	}
	if deliver == nil {
		return nil, errors.New("kafka queue: deliver function required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		group:  group,
		topic:  topic,
		logger: logger,
		handler: &groupHandler{
			deliver: deliver,
			decoder: &relay.XMLDecoder{},
			logger:  logger,
		},
	}, nil
}

// DialConsumer joins the configured consumer group
func DialConsumer(cfg Config, deliver DeliverFunc, logger *zap.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka queue: group id required")
	}
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, NewSaramaConfig(cfg.ClientID))
	if err != nil {
		return nil, fmt.Errorf("kafka queue: create consumer group: %w", err)
	}
	return NewConsumer(group, cfg.Topic, deliver, logger)
}

// Run consumes until ctx is cancelled
func (c *Consumer) Run(ctx context.Context) error {
	go c.logErrors(ctx)
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, c.handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) logErrors(ctx context.Context) {
	errs := c.group.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			c.logger.Warn("kafka consumer error", zap.Error(err))
		}
	}
}

// Close leaves the consumer group
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.group.Close()
}

type groupHandler struct {
	deliver DeliverFunc
	decoder relay.Decoder
	logger  *zap.Logger
}

func (g *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (g *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (g *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case km, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			g.handle(ctx, km)
			session.MarkMessage(km, "")
		case <-ctx.Done():
			return nil
		}
	}
}

func (g *groupHandler) handle(ctx context.Context, km *sarama.ConsumerMessage) {
	log := g.logger.With(
		zap.Int32("partition", km.Partition),
		zap.Int64("offset", km.Offset))

	msg, err := g.decoder.Decode(ctx, bytes.NewReader(km.Value), nil)
	if err == nil && msg.Header == nil {
		err = relay.ErrMissingHeader
	}
	if err != nil {
		log.Error("dropping undecodable async request", zap.Error(err))
		return
	}
	if err := g.deliver(ctx, msg); err != nil {
		log.Error("async request not delivered",
			zap.String("queryId", msg.Header.QueryID),
			zap.Error(err))
	}
}

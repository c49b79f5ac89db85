package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordic-institute/X-Road-sub019/pkg/identifier"
	"github.com/nordic-institute/X-Road-sub019/pkg/relay"
)

func asyncRequest(t *testing.T) *relay.ProxyMessage {
	t.Helper()
	h := &relay.Header{
		Client:          identifier.ClientID{Instance: "EE", MemberClass: "GOV", MemberCode: "1", Subsystem: "client"},
		Service:         identifier.ServiceID{Client: identifier.ClientID{Instance: "EE", MemberClass: "GOV", MemberCode: "2"}, ServiceCode: "notify"},
		QueryID:         "q1",
		ProtocolVersion: "4.0",
		Async:           true,
	}
	raw, err := relay.Envelope(h, etree.NewElement("notify"))
	require.NoError(t, err)
	return &relay.ProxyMessage{Header: h, Raw: raw}
}

func TestProducer_Enqueue(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	msg := asyncRequest(t)

	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(km *sarama.ProducerMessage) error {
		if km.Topic != "xroad.async" {
			return errors.New("wrong topic " + km.Topic)
		}
		key, _ := km.Key.Encode()
		if string(key) != "EE/GOV/1/client" {
			return errors.New("wrong key " + string(key))
		}
		value, _ := km.Value.Encode()
		if string(value) != string(msg.Raw) {
			return errors.New("value is not the raw request")
		}
		return nil
	})
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p, err := NewProducer(sp, "xroad.async")
	require.NoError(t, err)

	require.NoError(t, p.Enqueue(context.Background(), msg))
	assert.ErrorIs(t, p.Enqueue(context.Background(), msg), sarama.ErrOutOfBrokers)
	assert.ErrorIs(t, p.Enqueue(context.Background(), &relay.ProxyMessage{}), relay.ErrMissingHeader)

	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Enqueue(context.Background(), msg), ErrClosed)
}

func TestProducer_Validation(t *testing.T) {
	_, err := NewProducer(nil, "topic")
	assert.Error(t, err)
	_, err = NewProducer(mocks.NewSyncProducer(t, nil), "")
	assert.Error(t, err)

	assert.Error(t, Config{Topic: "t"}.Validate())
	assert.Error(t, Config{Brokers: []string{"b:9092"}}.Validate())
	assert.NoError(t, Config{Brokers: []string{"b:9092"}, Topic: "t"}.Validate())
}

func TestNewSaramaConfig(t *testing.T) {
	cfg := NewSaramaConfig("ss1")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "ss1", cfg.ClientID)
	assert.True(t, cfg.Producer.Return.Successes)
	assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, m.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	ch chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func TestGroupHandler_ConsumeClaim(t *testing.T) {
	msg := asyncRequest(t)

	var delivered []*relay.ProxyMessage
	deliver := func(_ context.Context, m *relay.ProxyMessage) error {
		delivered = append(delivered, m)
		if len(delivered) == 2 {
			return errors.New("provider down")
		}
		return nil
	}
	c, err := NewConsumer(&fakeGroup{}, "xroad.async", deliver, nil)
	require.NoError(t, err)

	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 4)}
	claim.ch <- &sarama.ConsumerMessage{Offset: 1, Value: msg.Raw}
	claim.ch <- &sarama.ConsumerMessage{Offset: 2, Value: []byte("<garbage")}
	claim.ch <- &sarama.ConsumerMessage{Offset: 3, Value: msg.Raw}
	close(claim.ch)

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, c.handler.ConsumeClaim(session, claim))

	require.Len(t, delivered, 2)
	assert.Equal(t, msg.Header, delivered[0].Header)
	assert.Equal(t, msg.Raw, delivered[0].Raw)
	// failed and undecodable requests are not redelivered
	assert.Equal(t, []int64{1, 2, 3}, session.marked)
}

func TestGroupHandler_StopsOnCancel(t *testing.T) {
	c, err := NewConsumer(&fakeGroup{}, "xroad.async", func(context.Context, *relay.ProxyMessage) error { return nil }, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage)}
	assert.NoError(t, c.handler.ConsumeClaim(&fakeSession{ctx: ctx}, claim))
}

type fakeGroup struct {
	sarama.ConsumerGroup
	mu       sync.Mutex
	consumed int
	closed   bool
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, _ sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	g.consumed++
	g.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (g *fakeGroup) Errors() <-chan error { return make(chan error) }

func (g *fakeGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

func TestConsumer_RunAndClose(t *testing.T) {
	group := &fakeGroup{}
	c, err := NewConsumer(group, "xroad.async", func(context.Context, *relay.ProxyMessage) error { return nil }, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, group.closed)
	assert.GreaterOrEqual(t, group.consumed, 1)
}

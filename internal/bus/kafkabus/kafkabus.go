// Package kafkabus is the Kafka driver for the bus package. A topic maps to a
// Kafka topic and every subscription joins the configured consumer group.
package kafkabus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/example/notification-dispatcher/internal/bus"
)

// Option customises the dialer during construction.
type Option func(*Dialer)

// WithConfig allows callers to supply a Sarama config. The configuration is
// cloned on every dial so the caller retains ownership.
func WithConfig(cfg *sarama.Config) Option {
	return func(d *Dialer) {
		if cfg != nil {
			d.config = cfg
		}
	}
}

// Dialer opens a Sarama client shared by one sync producer and the consumer
// groups created for subscriptions.
type Dialer struct {
	brokers []string
	group   string
	config  *sarama.Config
	logger  zerolog.Logger
}

// NewDialer constructs a dialer for the supplied brokers and consumer group.
func NewDialer(brokers []string, group string, logger zerolog.Logger, opts ...Option) (*Dialer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka bus: at least one broker is required")
	}
	if strings.TrimSpace(group) == "" {
		return nil, errors.New("kafka bus: group id is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	d := &Dialer{
		brokers: append([]string(nil), brokers...),
		group:   strings.TrimSpace(group),
		config:  defaultConfig(),
		logger:  logger.With().Str("component", "kafka_bus").Logger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// Dial implements bus.Dialer.
func (d *Dialer) Dial(ctx context.Context) (bus.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, err := sarama.NewClient(d.brokers, cloneConfig(d.config))
	if err != nil {
		return nil, fmt.Errorf("kafka bus: create client: %w", err)
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kafka bus: create producer: %w", err)
	}

	c := newConn(producer, d.logger)
	c.client = client
	c.newGroup = func() (sarama.ConsumerGroup, error) {
		return sarama.NewConsumerGroupFromClient(d.group, client)
	}

	d.logger.Info().Strs("brokers", d.brokers).Str("group_id", d.group).Msg("kafka connected")
	return c, nil
}

type conn struct {
	logger   zerolog.Logger
	client   sarama.Client
	producer sarama.SyncProducer
	newGroup func() (sarama.ConsumerGroup, error)

	mu     sync.Mutex
	closed bool
	subs   map[*subscription]struct{}

	closeOnce sync.Once
	closeErr  error
}

func newConn(producer sarama.SyncProducer, logger zerolog.Logger) *conn {
	return &conn{
		logger:   logger,
		producer: producer,
		subs:     make(map[*subscription]struct{}),
	}
}

// Publish sends synchronously and waits for the broker acknowledgement.
func (c *conn) Publish(_ context.Context, topic string, data []byte) error {
	if topic == "" {
		return errors.New("kafka bus: topic is required")
	}
	if c.isClosed() {
		return errors.New("kafka bus: connection closed")
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := c.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka bus: send: %w", err)
	}
	return nil
}

// Flush is a no-op: every Publish is acknowledged before it returns.
func (c *conn) Flush(context.Context) error {
	return nil
}

func (c *conn) Subscribe(topic string, deliver func(*bus.Message)) (bus.Unsubscriber, error) {
	if c.newGroup == nil {
		return nil, errors.New("kafka bus: consumer groups unavailable")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("kafka bus: connection closed")
	}

	group, err := c.newGroup()
	if err != nil {
		return nil, fmt.Errorf("kafka bus: create consumer group: %w", err)
	}

	sub := newSubscription(c, group, topic, deliver)
	c.subs[sub] = struct{}{}
	sub.start()
	return sub, nil
}

// Drain stops every consumer once its in-flight message is handled, then
// closes the producer and the client.
func (c *conn) Drain(ctx context.Context) error {
	subs := c.detach()
	for _, sub := range subs {
		sub.cancel()
	}
	for _, sub := range subs {
		select {
		case <-sub.done:
		case <-ctx.Done():
			return errors.Join(ctx.Err(), c.Close())
		}
	}
	return c.Close()
}

// Close stops every consumer group, waits for the consume loops to exit and
// releases the producer and the client.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		var errs []error
		subs := c.detach()
		for _, sub := range subs {
			sub.cancel()
			if err := sub.closeGroup(); err != nil {
				errs = append(errs, err)
			}
		}
		for _, sub := range subs {
			<-sub.done
		}

		if err := c.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka bus: close producer: %w", err))
		}
		if c.client != nil && !c.client.Closed() {
			if err := c.client.Close(); err != nil {
				errs = append(errs, fmt.Errorf("kafka bus: close client: %w", err))
			}
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

func (c *conn) Connected() bool {
	if c.isClosed() || c.client == nil || c.client.Closed() {
		return false
	}
	return len(c.client.Brokers()) > 0
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// detach marks the connection closed and hands back its live subscriptions.
// Drained subscriptions stay tracked until Close so their groups are released.
func (c *conn) detach() []*subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	subs := make([]*subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	return subs
}

func (c *conn) forget(sub *subscription) {
	c.mu.Lock()
	delete(c.subs, sub)
	c.mu.Unlock()
}

// subscription runs one consumer group session loop for a topic.
type subscription struct {
	conn    *conn
	group   sarama.ConsumerGroup
	topic   string
	deliver func(*bus.Message)
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func newSubscription(c *conn, group sarama.ConsumerGroup, topic string, deliver func(*bus.Message)) *subscription {
	ctx, cancel := context.WithCancel(context.Background())
	return &subscription{
		conn:    c,
		group:   group,
		topic:   topic,
		deliver: deliver,
		logger:  c.logger.With().Str("topic", topic).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (s *subscription) start() {
	go s.consumeErrors()
	go s.run()
}

// Unsubscribe stops the consume loop. The group is closed by the loop once
// the in-flight message, if any, has been handled.
func (s *subscription) Unsubscribe() error {
	s.conn.forget(s)
	s.cancel()
	return nil
}

func (s *subscription) run() {
	defer close(s.done)
	defer func() {
		if err := s.closeGroup(); err != nil {
			s.logger.Error().Err(err).Msg("kafka bus: close consumer group")
		}
	}()

	handler := &groupHandler{deliver: s.deliver, logger: s.logger}
	topics := []string{s.topic}
	for {
		if s.ctx.Err() != nil {
			return
		}

		err := s.group.Consume(s.ctx, topics, handler)
		if err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			s.logger.Error().Err(err).Msg("kafka bus: consume error")
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(defaultConsumeBackoff):
			}
		}
	}
}

func (s *subscription) consumeErrors() {
	for err := range s.group.Errors() {
		if err != nil {
			s.logger.Error().Err(err).Msg("kafka consumer error")
		}
	}
}

func (s *subscription) closeGroup() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.group.Close()
	})
	return s.closeErr
}

type groupHandler struct {
	deliver func(*bus.Message)
	logger  zerolog.Logger
}

func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.logger.Info().
		Str("member_id", session.MemberID()).
		Msg("kafka consumer group ready")
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info().Msg("kafka consumer group cleanup")
	return nil
}

// ConsumeClaim marks each message before handing it over, so a crash during
// handling loses the message rather than redelivering it.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			session.MarkMessage(msg, "")
			h.deliver(toMessage(msg))
		case <-session.Context().Done():
			return nil
		}
	}
}

func toMessage(msg *sarama.ConsumerMessage) *bus.Message {
	return &bus.Message{
		Topic:   msg.Topic,
		Data:    cloneBytes(msg.Value),
		Headers: fromHeaders(msg.Headers),
	}
}

func cloneBytes(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

func fromHeaders(headers []*sarama.RecordHeader) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		if h == nil || len(h.Key) == 0 {
			continue
		}
		out[string(h.Key)] = string(h.Value)
	}
	return out
}

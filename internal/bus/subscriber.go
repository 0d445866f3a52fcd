package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/notification-dispatcher/internal/common"
)

// Subscriber binds one topic on a session to a handler.
type Subscriber struct {
	topic   string
	session *Session
	logger  zerolog.Logger

	mu  sync.Mutex
	sub *Subscription
}

// NewSubscriber prepares a subscriber for topic on session. Nothing is
// registered until Subscribe is called.
func NewSubscriber(topic string, session *Session) *Subscriber {
	return &Subscriber{
		topic:   topic,
		session: session,
		logger:  session.logger.With().Str("component", "subscriber").Str("topic", topic).Logger(),
	}
}

// Topic returns the bound topic.
func (s *Subscriber) Topic() string {
	return s.topic
}

// Subscribe registers handler. A nil handler installs DefaultHandler, which
// only logs what it receives.
func (s *Subscriber) Subscribe(handler Handler) error {
	if handler == nil {
		handler = DefaultHandler(s.logger)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sub != nil && s.sub.Active() {
		return fmt.Errorf("%w: already subscribed to %s", common.ErrSubscriptionState, s.topic)
	}

	sub, err := s.session.Subscribe(s.topic, handler)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

// Unsubscribe stops the subscription, immediately for limit 0 or after limit
// more deliveries. It returns ErrNotSubscribed if Subscribe never succeeded.
func (s *Subscriber) Unsubscribe(limit int) error {
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()

	if sub == nil {
		return ErrNotSubscribed
	}
	return sub.Unsubscribe(limit)
}

// DefaultHandler logs every message it receives and does nothing else.
func DefaultHandler(logger zerolog.Logger) Handler {
	return func(_ context.Context, msg *Message) {
		logger.Info().
			Str("topic", msg.Topic).
			Str("reply", msg.Reply).
			Int("bytes", len(msg.Data)).
			Msg("received message")
	}
}

// Publisher publishes payloads to a fixed topic.
type Publisher struct {
	topic   string
	session *Session
}

// NewPublisher binds topic to session.
func NewPublisher(topic string, session *Session) (*Publisher, error) {
	if topic == "" {
		return nil, errors.New("bus: publisher topic is required")
	}
	if session == nil {
		return nil, errors.New("bus: publisher session is required")
	}
	return &Publisher{topic: topic, session: session}, nil
}

// Publish writes payload and waits for it to be flushed.
func (p *Publisher) Publish(ctx context.Context, payload []byte) error {
	return p.session.Publish(ctx, p.topic, payload)
}

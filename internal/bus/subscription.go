package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Subscription is one topic binding owned by a Session. It becomes invalid
// after Unsubscribe completes or the session closes.
type Subscription struct {
	session *Session
	topic   string
	handler Handler
	logger  zerolog.Logger

	// callMu serializes handler invocations.
	callMu sync.Mutex

	mu        sync.Mutex
	active    bool
	remaining int // deliveries left before auto-unsubscribe; 0 means unlimited
	driver    Unsubscriber

	releaseOnce sync.Once
	releaseErr  error
}

func newSubscription(session *Session, topic string, handler Handler) *Subscription {
	return &Subscription{
		session: session,
		topic:   topic,
		handler: handler,
		logger:  session.logger.With().Str("topic", topic).Logger(),
		active:  true,
	}
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// Active reports whether the subscription still accepts deliveries.
func (s *Subscription) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Unsubscribe stops the subscription. With limit 0 it stops immediately;
// with limit N > 0 it stops once N more deliveries have completed. Calling it
// on a released subscription returns ErrSubscriptionClosed.
func (s *Subscription) Unsubscribe(limit int) error {
	if limit < 0 {
		return fmt.Errorf("bus: unsubscribe limit must not be negative, got %d", limit)
	}

	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return ErrSubscriptionClosed
	}
	if limit > 0 {
		s.remaining = limit
		s.mu.Unlock()
		s.logger.Debug().Int("limit", limit).Msg("auto-unsubscribe armed")
		return nil
	}
	s.active = false
	s.mu.Unlock()

	return s.release()
}

func (s *Subscription) attach(driver Unsubscriber) {
	s.mu.Lock()
	s.driver = driver
	s.mu.Unlock()
}

// dispatch is the driver callback.
func (s *Subscription) dispatch(msg *Message) {
	s.callMu.Lock()
	defer s.callMu.Unlock()

	if !s.Active() {
		return
	}

	s.invoke(msg)

	s.mu.Lock()
	done := false
	if s.active && s.remaining > 0 {
		s.remaining--
		if s.remaining == 0 {
			s.active = false
			done = true
		}
	}
	s.mu.Unlock()

	if done {
		if err := s.release(); err != nil {
			s.logger.Error().Err(err).Msg("auto-unsubscribe failed")
		}
	}
}

func (s *Subscription) invoke(msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Msg("subscription handler panicked")
		}
	}()
	// Handlers run detached from any shutdown signal so that in-flight work
	// completes during a drain.
	s.handler(context.Background(), msg)
}

func (s *Subscription) release() error {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		driver := s.driver
		s.mu.Unlock()

		if driver != nil {
			if err := driver.Unsubscribe(); err != nil {
				s.releaseErr = fmt.Errorf("bus: unsubscribe from %s: %w", s.topic, err)
			}
		}
		s.session.forget(s)
		s.logger.Info().Msg("unsubscribed")
	})
	return s.releaseErr
}

// invalidate marks the subscription dead after its session closed. The driver
// subscription goes away with the connection.
func (s *Subscription) invalidate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	s.releaseOnce.Do(func() {})
}


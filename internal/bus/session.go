package bus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/notification-dispatcher/internal/common"
)

// Session owns at most one bus connection for its whole life. It moves
// Disconnected -> Connecting -> Connected -> Draining -> Closed and never goes
// back; a closed session cannot be reopened.
type Session struct {
	dialer Dialer
	logger zerolog.Logger

	mu    sync.Mutex
	state State
	conn  Conn
	subs  map[*Subscription]struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewSession builds a session that connects through dialer on Open.
func NewSession(dialer Dialer, logger zerolog.Logger) (*Session, error) {
	if dialer == nil {
		return nil, errors.New("bus: dialer is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	return &Session{
		dialer: dialer,
		logger: logger.With().Str("component", "bus_session").Logger(),
		state:  StateDisconnected,
		subs:   make(map[*Subscription]struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the session is open and its connection usable.
// A connection that is transparently reconnecting reports false.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected && s.conn != nil && s.conn.Connected()
}

// Open establishes the connection. Failures are reported as connection errors
// and leave the session Disconnected so Open may be retried.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: open while %s", ErrSessionState, state)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	conn, err := s.dialer.Dial(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		if s.state == StateConnecting {
			s.state = StateDisconnected
		}
		return common.WrapConnection(fmt.Errorf("bus: open: %w", err))
	}

	if s.state != StateConnecting {
		// Closed while dialing.
		_ = conn.Close()
		return fmt.Errorf("%w: closed while connecting", ErrSessionState)
	}

	s.conn = conn
	s.state = StateConnected
	s.logger.Info().Msg("bus session connected")
	return nil
}

// Publish writes payload to topic and flushes it.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	conn, err := s.connected("publish")
	if err != nil {
		return err
	}
	if err := conn.Publish(ctx, topic, payload); err != nil {
		return common.WrapConnection(fmt.Errorf("bus: publish to %s: %w", topic, err))
	}
	if err := conn.Flush(ctx); err != nil {
		return common.WrapConnection(fmt.Errorf("bus: flush: %w", err))
	}
	return nil
}

// Subscribe binds handler to topic. Deliveries for the returned subscription
// are handed to handler one at a time in arrival order.
func (s *Session) Subscribe(topic string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("bus: handler is required")
	}
	conn, err := s.connected("subscribe")
	if err != nil {
		return nil, err
	}

	sub := newSubscription(s, topic, handler)
	driverSub, err := conn.Subscribe(topic, sub.dispatch)
	if err != nil {
		return nil, common.WrapConnection(fmt.Errorf("bus: subscribe to %s: %w", topic, err))
	}
	sub.attach(driverSub)

	s.mu.Lock()
	if s.state != StateConnected {
		state := s.state
		s.mu.Unlock()
		_ = driverSub.Unsubscribe()
		return nil, fmt.Errorf("%w: subscribe while %s", ErrSessionState, state)
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	s.logger.Info().Str("topic", topic).Msg("subscribed")
	return sub, nil
}

// Terminate shuts the session down gracefully: subscriptions stop after
// pending deliveries finish, buffered outbound data is flushed and the
// connection is released. Terminating a closed session is a no-op.
func (s *Session) Terminate(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return nil
	case StateConnected:
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: terminate while %s", ErrSessionState, state)
	}
	s.state = StateDraining
	conn := s.conn
	s.mu.Unlock()

	s.logger.Info().Msg("draining bus session")

	var drainErr error
	if err := conn.Drain(ctx); err != nil {
		drainErr = common.WrapConnection(fmt.Errorf("bus: drain: %w", err))
	}
	return errors.Join(drainErr, s.Close())
}

// Close releases the connection without draining. It is valid in every state
// and the connection is released exactly once however often Close is called.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.state = StateClosed
		subs := s.subs
		s.subs = make(map[*Subscription]struct{})
		s.mu.Unlock()

		for sub := range subs {
			sub.invalidate()
		}

		if conn != nil {
			if err := conn.Close(); err != nil {
				s.closeErr = common.WrapConnection(fmt.Errorf("bus: close: %w", err))
			}
		}
		s.logger.Info().Msg("bus session closed")
	})
	return s.closeErr
}

func (s *Session) connected(op string) (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.conn == nil {
		return nil, fmt.Errorf("%w: %s while %s", ErrSessionState, op, s.state)
	}
	return s.conn, nil
}

func (s *Session) forget(sub *Subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// With opens session, runs fn and closes the session exactly once, whether fn
// returns normally, returns an error or panics. A failed Open still closes
// the session.
func With(ctx context.Context, session *Session, fn func(*Session) error) (err error) {
	defer func() {
		if cerr := session.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := session.Open(ctx); err != nil {
		return err
	}
	return fn(session)
}

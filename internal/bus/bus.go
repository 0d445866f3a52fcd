// Package bus manages the single message bus connection used by the
// dispatcher: its lifecycle, publishing and subscriptions. Concrete transports
// live in the natsbus, kafkabus and membus subpackages and plug in through
// Dialer and Conn.
package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/notification-dispatcher/internal/common"
)

var (
	// ErrSessionState is returned when an operation is invalid for the
	// session's current lifecycle state.
	ErrSessionState = errors.New("bus: invalid session state")

	// ErrNotSubscribed is returned by Subscriber.Unsubscribe when no
	// subscription has been established.
	ErrNotSubscribed = fmt.Errorf("%w: subscription not found", common.ErrSubscriptionState)

	// ErrSubscriptionClosed is returned when unsubscribing an already
	// released subscription.
	ErrSubscriptionClosed = fmt.Errorf("%w: subscription already closed", common.ErrSubscriptionState)
)

// Message is one delivery received from, or published to, the bus.
type Message struct {
	Topic   string
	Data    []byte
	Reply   string
	Headers map[string]string
}

// Handler processes a delivered message. Handlers for one subscription never
// run concurrently.
type Handler func(ctx context.Context, msg *Message)

// Unsubscriber stops a driver level subscription.
type Unsubscriber interface {
	Unsubscribe() error
}

// Conn is a live connection provided by a driver.
type Conn interface {
	// Publish queues data on topic.
	Publish(ctx context.Context, topic string, data []byte) error
	// Flush blocks until queued outbound data has been written.
	Flush(ctx context.Context) error
	// Subscribe registers deliver for topic. deliver may be called from a
	// driver goroutine.
	Subscribe(topic string, deliver func(*Message)) (Unsubscriber, error)
	// Drain stops all subscriptions after their pending messages have been
	// delivered, flushes outbound data and closes the connection.
	Drain(ctx context.Context) error
	// Close tears the connection down immediately. It must be safe to call
	// after Drain.
	Close() error
	// Connected reports whether the connection is currently usable.
	Connected() bool
}

// Dialer opens connections to a bus.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// State is a session lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

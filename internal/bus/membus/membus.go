// Package membus is an in-process bus driver. Connections dialed from the
// same Broker see each other's messages, which makes it suitable for local
// runs and tests.
package membus

import (
	"context"
	"errors"
	"sync"

	"github.com/example/notification-dispatcher/internal/bus"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("membus: connection closed")

// Broker routes messages between connections.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[*subscription]struct{}
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*subscription]struct{})}
}

// Dial implements bus.Dialer.
func (b *Broker) Dial(ctx context.Context) (bus.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &conn{broker: b, subs: make(map[*subscription]struct{})}, nil
}

func (b *Broker) publish(topic string, data []byte) {
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs[topic]))
	for sub := range b.subs[topic] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.enqueue(&bus.Message{Topic: topic, Data: append([]byte(nil), data...)})
	}
}

func (b *Broker) add(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[sub.topic] == nil {
		b.subs[sub.topic] = make(map[*subscription]struct{})
	}
	b.subs[sub.topic][sub] = struct{}{}
}

func (b *Broker) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[sub.topic], sub)
	if len(b.subs[sub.topic]) == 0 {
		delete(b.subs, sub.topic)
	}
}

type conn struct {
	broker *Broker

	mu     sync.Mutex
	closed bool
	subs   map[*subscription]struct{}
}

func (c *conn) Publish(_ context.Context, topic string, data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	c.broker.publish(topic, data)
	return nil
}

// Flush is a no-op: Publish hands messages to subscribers synchronously.
func (c *conn) Flush(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

func (c *conn) Subscribe(topic string, deliver func(*bus.Message)) (bus.Unsubscriber, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	sub := newSubscription(c, topic, deliver)
	c.subs[sub] = struct{}{}
	c.broker.add(sub)
	go sub.run()
	return sub, nil
}

// Drain stops accepting messages, lets every subscription finish its queue
// and then closes the connection.
func (c *conn) Drain(ctx context.Context) error {
	subs := c.detach()
	for _, sub := range subs {
		sub.stop(false)
	}
	for _, sub := range subs {
		select {
		case <-sub.done:
		case <-ctx.Done():
			for _, s := range subs {
				s.stop(true)
			}
			return ctx.Err()
		}
	}
	return nil
}

// Close drops queued messages and closes immediately.
func (c *conn) Close() error {
	for _, sub := range c.detach() {
		sub.stop(true)
	}
	return nil
}

func (c *conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *conn) detach() []*subscription {
	c.mu.Lock()
	c.closed = true
	subs := make([]*subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[*subscription]struct{})
	c.mu.Unlock()

	for _, sub := range subs {
		c.broker.remove(sub)
	}
	return subs
}

func (c *conn) forget(sub *subscription) {
	c.mu.Lock()
	delete(c.subs, sub)
	c.mu.Unlock()
	c.broker.remove(sub)
}

// subscription delivers its queue from a single goroutine in FIFO order.
type subscription struct {
	conn    *conn
	topic   string
	deliver func(*bus.Message)

	mu     sync.Mutex
	queue  []*bus.Message
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newSubscription(c *conn, topic string, deliver func(*bus.Message)) *subscription {
	return &subscription{
		conn:    c,
		topic:   topic,
		deliver: deliver,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (s *subscription) Unsubscribe() error {
	s.conn.forget(s)
	s.stop(true)
	return nil
}

func (s *subscription) enqueue(msg *bus.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	s.signal()
}

// stop ends the subscription. With discard the pending queue is dropped,
// otherwise it is delivered first.
func (s *subscription) stop(discard bool) {
	s.mu.Lock()
	s.closed = true
	if discard {
		s.queue = nil
	}
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			<-s.wake
			continue
		}
		msg := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(msg)
	}
}

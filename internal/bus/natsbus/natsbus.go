// Package natsbus is the NATS driver for the bus package.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/example/notification-dispatcher/internal/bus"
)

const (
	defaultName          = "notification-dispatcher"
	defaultReconnectWait = 2 * time.Second
	defaultConnectWait   = 5 * time.Second
	defaultFlushTimeout  = 5 * time.Second
)

// Option customises the dialer.
type Option func(*Dialer)

// WithName sets the client name reported to the server.
func WithName(name string) Option {
	return func(d *Dialer) {
		if strings.TrimSpace(name) != "" {
			d.name = strings.TrimSpace(name)
		}
	}
}

// WithReconnectWait overrides the pause between reconnect attempts.
func WithReconnectWait(wait time.Duration) Option {
	return func(d *Dialer) {
		if wait > 0 {
			d.reconnectWait = wait
		}
	}
}

// WithConnectTimeout bounds the initial dial.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(d *Dialer) {
		if timeout > 0 {
			d.connectWait = timeout
		}
	}
}

// WithNATSOptions applies raw nats.go options after the defaults, so they may
// override them. A ClosedHandler given here runs after the driver's own close
// bookkeeping instead of replacing it.
func WithNATSOptions(opts ...nats.Option) Option {
	return func(d *Dialer) {
		d.extra = append(d.extra, opts...)
	}
}

// Dialer connects to a NATS server. Established connections reconnect
// indefinitely with a fixed wait and log every disconnect and reconnect.
type Dialer struct {
	url           string
	name          string
	reconnectWait time.Duration
	connectWait   time.Duration
	extra         []nats.Option
	logger        zerolog.Logger
}

// NewDialer builds a dialer for url.
func NewDialer(url string, logger zerolog.Logger, opts ...Option) (*Dialer, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("nats bus: url is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	d := &Dialer{
		url:           strings.TrimSpace(url),
		name:          defaultName,
		reconnectWait: defaultReconnectWait,
		connectWait:   defaultConnectWait,
		logger:        logger.With().Str("component", "nats_bus").Logger(),
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

	timeout := d.connectWait
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	c := &conn{
		logger: d.logger,
		closed: make(chan struct{}),
	}

	o := nats.GetDefaultOptions()
	o.Url = d.url
	for _, opt := range append(d.defaults(timeout), d.extra...) {
		if opt == nil {
			continue
		}
		if err := opt(&o); err != nil {
			return nil, fmt.Errorf("nats bus: apply option: %w", err)
		}
	}

	// Drain waits on c.closed, so the signal is chained ahead of whatever
	// handler the options installed.
	closedCB := o.ClosedCB
	o.ClosedCB = func(nc *nats.Conn) {
		c.closeOnce.Do(func() { close(c.closed) })
		if closedCB != nil {
			closedCB(nc)
		}
	}

	nc, err := o.Connect()
	if err != nil {
		return nil, fmt.Errorf("nats bus: connect: %w", err)
	}
	c.nc = nc

	d.logger.Info().Str("url", nc.ConnectedUrlRedacted()).Msg("nats connected")
	return c, nil
}

func (d *Dialer) defaults(timeout time.Duration) []nats.Option {
	return []nats.Option{
		nats.Name(d.name),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(d.reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			ev := d.logger.Warn()
			if err != nil {
				ev = ev.Err(err)
			}
			ev.Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			d.logger.Info().Str("url", nc.ConnectedUrlRedacted()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			d.logger.Info().Msg("nats connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			ev := d.logger.Error().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("nats async error")
		}),
	}
}

type conn struct {
	nc     *nats.Conn
	logger zerolog.Logger

	closed    chan struct{}
	closeOnce sync.Once
}

func (c *conn) Publish(_ context.Context, topic string, data []byte) error {
	return c.nc.Publish(topic, data)
}

func (c *conn) Flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultFlushTimeout)
		defer cancel()
	}
	return c.nc.FlushWithContext(ctx)
}

func (c *conn) Subscribe(topic string, deliver func(*bus.Message)) (bus.Unsubscriber, error) {
	sub, err := c.nc.Subscribe(topic, func(m *nats.Msg) {
		deliver(toMessage(m))
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Drain unsubscribes everything after pending messages are processed, flushes
// and closes. It waits for the close to complete or ctx to end.
func (c *conn) Drain(ctx context.Context) error {
	if c.nc.IsClosed() {
		return nil
	}
	if err := c.nc.Drain(); err != nil {
		return err
	}

	select {
	case <-c.closed:
		return nil
	case <-ctx.Done():
		c.nc.Close()
		return ctx.Err()
	}
}

func (c *conn) Close() error {
	c.nc.Close()
	return nil
}

func (c *conn) Connected() bool {
	return c.nc.IsConnected()
}

func toMessage(m *nats.Msg) *bus.Message {
	return &bus.Message{
		Topic:   m.Subject,
		Data:    m.Data,
		Reply:   m.Reply,
		Headers: flattenHeaders(m.Header),
	}
}

// flattenHeaders keeps the first value of each header.
func flattenHeaders(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

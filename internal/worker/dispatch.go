package worker

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/notification-dispatcher/internal/bus"
	"github.com/example/notification-dispatcher/internal/delivery"
	"github.com/example/notification-dispatcher/internal/metrics"
	"github.com/example/notification-dispatcher/internal/models"
)

const defaultDrainTimeout = 10 * time.Second

// Config contains the runtime settings of the dispatch worker.
type Config struct {
	Topic            string
	DrainTimeout     time.Duration
	MsgMaxBytes      int
	FilterRecipients bool
}

// Sender delivers body to every recipient. The returned slice is not a
// delivery receipt.
type Sender interface {
	Send(ctx context.Context, recipients []string, body string) []string
}

// Dependencies collects the runtime collaborators required by the worker.
type Dependencies struct {
	Session      *bus.Session
	Sender       Sender
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
	NewRequestID func() string
}

// Dispatcher subscribes to the request topic and turns every decodable
// message into outbound email.
//
// Delivery is at most once. A message is handled exactly when the bus hands
// it over; undecodable payloads are dropped, failed recipients are logged and
// nothing is retried or redelivered.
type Dispatcher struct {
	cfg     Config
	session *bus.Session
	sender  Sender
	metrics *metrics.Metrics
	logger  zerolog.Logger
	newID   func() string
}

// NewDispatcher validates cfg and deps and builds a worker.
func NewDispatcher(cfg Config, deps Dependencies) (*Dispatcher, error) {
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("worker: topic must be provided")
	}
	if cfg.MsgMaxBytes < 0 {
		return nil, errors.New("worker: msg max bytes cannot be negative")
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if deps.Session == nil {
		return nil, errors.New("worker: session dependency is required")
	}
	if deps.Sender == nil {
		return nil, errors.New("worker: sender dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "dispatch_worker").Logger()

	newID := deps.NewRequestID
	if newID == nil {
		newID = uuid.NewString
	}

	return &Dispatcher{
		cfg:     cfg,
		session: deps.Session,
		sender:  deps.Sender,
		metrics: deps.Metrics,
		logger:  logger,
		newID:   newID,
	}, nil
}

// Ready reports whether the worker's bus session is connected.
func (d *Dispatcher) Ready() bool {
	return d.session.Connected()
}

// Run opens the session, subscribes and blocks until ctx is cancelled. It then
// drains the session within the configured timeout. The session is closed on
// every return path.
func (d *Dispatcher) Run(ctx context.Context) error {
	return bus.With(ctx, d.session, func(s *bus.Session) error {
		sub := bus.NewSubscriber(d.cfg.Topic, s)
		if err := sub.Subscribe(d.HandleMessage); err != nil {
			return fmt.Errorf("worker: subscribe: %w", err)
		}
		d.logger.Info().Str("topic", d.cfg.Topic).Msg("worker: listening")

		<-ctx.Done()
		d.logger.Info().Dur("drain_timeout", d.cfg.DrainTimeout).Msg("worker: shutting down")

		drainCtx, cancel := context.WithTimeout(context.Background(), d.cfg.DrainTimeout)
		defer cancel()
		if err := s.Terminate(drainCtx); err != nil {
			return fmt.Errorf("worker: terminate: %w", err)
		}
		return nil
	})
}

// HandleMessage is the subscription callback. It never returns an error: bad
// payloads and failed recipients are logged and swallowed here.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg *bus.Message) {
	if msg == nil {
		return
	}

	logger := d.logger.With().
		Str("request_id", d.newID()).
		Str("topic", msg.Topic).
		Logger()
	d.metrics.MessageReceived(msg.Topic)

	if d.cfg.MsgMaxBytes > 0 && len(msg.Data) > d.cfg.MsgMaxBytes {
		d.metrics.DecodeFailed()
		logger.Warn().
			Int("bytes", len(msg.Data)).
			Int("limit", d.cfg.MsgMaxBytes).
			Msg("worker: message discarded because it exceeds configured size limit")
		return
	}

	req, err := models.DecodeDeliveryRequest(msg.Data)
	if err != nil {
		d.metrics.DecodeFailed()
		logger.Warn().Err(err).Msg("worker: dropping undecodable message")
		return
	}

	recipients := req.Recipients
	if d.cfg.FilterRecipients {
		recipients = delivery.Filter(strings.Join(recipients, " "))
	}

	logger.Info().
		Int("recipients", len(recipients)).
		Msg("worker: dispatching request")

	d.sender.Send(ctx, recipients, req.Body)
}

// Package delivery turns a recipient list and a text body into one email per
// recipient, isolating failures so that one bad address never blocks the rest.
package delivery

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/notification-dispatcher/internal/mailer"
	"github.com/example/notification-dispatcher/internal/metrics"
)

// Outcome is the result of one recipient's delivery attempt.
type Outcome struct {
	Recipient string
	Err       error
	Duration  time.Duration
	// Temporary is set when the server answered with a transient failure.
	Temporary bool
}

// Delivered reports whether the transport accepted the message.
func (o Outcome) Delivered() bool {
	return o.Err == nil
}

// Report lists the outcome of every attempt in input order.
type Report struct {
	Outcomes []Outcome
}

// Delivered returns the recipients whose message was accepted.
func (r Report) Delivered() []string {
	out := make([]string, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		if o.Delivered() {
			out = append(out, o.Recipient)
		}
	}
	return out
}

// Failed returns the outcomes that ended in an error.
func (r Report) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if !o.Delivered() {
			out = append(out, o)
		}
	}
	return out
}

// Err joins every failure, or returns nil when all attempts succeeded.
func (r Report) Err() error {
	var errs []error
	for _, o := range r.Failed() {
		errs = append(errs, o.Err)
	}
	return errors.Join(errs...)
}

// Option customises a Service.
type Option func(*Service)

// WithMetrics records per-recipient outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// Service composes and sends one envelope per recipient.
type Service struct {
	transport mailer.Transport
	sender    string
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// NewService builds a delivery service sending as sender through transport.
func NewService(transport mailer.Transport, sender string, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if transport == nil {
		return nil, errors.New("delivery: transport is required")
	}
	if strings.TrimSpace(sender) == "" {
		return nil, errors.New("delivery: sender is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	s := &Service{
		transport: transport,
		sender:    strings.TrimSpace(sender),
		logger:    logger.With().Str("component", "delivery").Logger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Send attempts delivery to every recipient in order and returns the input
// list unchanged. The return value is not a delivery receipt; failures are
// logged and the batch moves on. Use SendReport to inspect outcomes.
func (s *Service) Send(ctx context.Context, recipients []string, body string) []string {
	s.SendReport(ctx, recipients, body)
	return recipients
}

// SendReport is Send with per-recipient outcomes.
func (s *Service) SendReport(ctx context.Context, recipients []string, body string) Report {
	report := Report{Outcomes: make([]Outcome, 0, len(recipients))}
	for _, recipient := range recipients {
		report.Outcomes = append(report.Outcomes, s.deliver(ctx, recipient, body))
	}

	if len(recipients) > 0 {
		s.logger.Info().
			Int("recipients", len(recipients)).
			Int("failed", len(report.Failed())).
			Msg("batch processed")
	}
	return report
}

// SendOne delivers body to a single recipient.
func (s *Service) SendOne(ctx context.Context, recipient, body string) error {
	return s.deliver(ctx, recipient, body).Err
}

func (s *Service) deliver(ctx context.Context, recipient, body string) Outcome {
	env := mailer.Compose(recipient, body, s.sender)

	start := time.Now()
	err := s.transport.Send(ctx, env)
	elapsed := time.Since(start)

	if err != nil {
		temporary := mailer.IsTemporary(err)
		s.metrics.DeliveryObserved(metrics.OutcomeFailed, elapsed)
		s.logger.Error().
			Err(err).
			Str("recipient", recipient).
			Bool("temporary", temporary).
			Dur("duration", elapsed).
			Msg("delivery failed")
		return Outcome{Recipient: recipient, Err: err, Duration: elapsed, Temporary: temporary}
	}

	s.metrics.DeliveryObserved(metrics.OutcomeSent, elapsed)
	s.logger.Info().
		Str("recipient", recipient).
		Dur("duration", elapsed).
		Msg("email sent")
	return Outcome{Recipient: recipient, Duration: elapsed}
}

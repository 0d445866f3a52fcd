package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"

	"github.com/example/notification-dispatcher/internal/config"
)

// Transport delivers one envelope per call.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
}

// SMTPOption configures the behaviour of the SMTP transport.
type SMTPOption func(*SMTPTransport)

// WithTLSConfig overrides the TLS configuration used when negotiating STARTTLS.
func WithTLSConfig(cfg *tls.Config) SMTPOption {
	return func(t *SMTPTransport) {
		t.tlsConfig = cfg
	}
}

// WithDialContext swaps the function used to open the TCP connection.
func WithDialContext(fn mail.DialContextFunc) SMTPOption {
	return func(t *SMTPTransport) {
		if fn != nil {
			t.dialContext = fn
		}
	}
}

// WithHelloName customises the EHLO/HELO identity presented to the server.
func WithHelloName(name string) SMTPOption {
	return func(t *SMTPTransport) {
		if strings.TrimSpace(name) != "" {
			t.helloName = strings.TrimSpace(name)
		}
	}
}

// SMTPTransport sends each envelope over its own SMTP session: connect,
// STARTTLS, authenticate, transmit, quit. Sessions are never reused, so a
// failure is always confined to the envelope being sent.
type SMTPTransport struct {
	logger      zerolog.Logger
	host        string
	port        int
	username    string
	password    string
	tlsPolicy   mail.TLSPolicy
	tlsConfig   *tls.Config
	timeout     time.Duration
	dialContext mail.DialContextFunc
	helloName   string
}

// NewSMTPTransport constructs a transport for the configured mail server.
func NewSMTPTransport(cfg config.MailConfig, logger zerolog.Logger, opts ...SMTPOption) (*SMTPTransport, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp transport: host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("smtp transport: invalid port %d", cfg.Port)
	}
	policy, err := tlsPolicy(cfg.TLSPolicy)
	if err != nil {
		return nil, err
	}

	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	t := &SMTPTransport{
		logger:    logger,
		host:      strings.TrimSpace(cfg.Host),
		port:      cfg.Port,
		username:  cfg.Login(),
		password:  cfg.Password,
		tlsPolicy: policy,
		timeout:   timeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}

	return t, nil
}

// Send opens a session, transmits env and closes the session on every path.
// Any failure is returned as a *DeliveryError; nothing is retried.
func (t *SMTPTransport) Send(ctx context.Context, env Envelope) error {
	msg, err := env.Message()
	if err != nil {
		return &DeliveryError{Recipient: env.To, Err: err}
	}

	client, err := mail.NewClient(t.host, t.clientOptions()...)
	if err != nil {
		return &DeliveryError{Recipient: env.To, Err: fmt.Errorf("smtp transport: new client: %w", err)}
	}

	start := time.Now()
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return &DeliveryError{Recipient: env.To, Err: fmt.Errorf("smtp transport: %w", err)}
	}

	t.logger.Debug().
		Str("recipient", env.To).
		Dur("duration", time.Since(start)).
		Msg("smtp transport: message accepted")
	return nil
}

func (t *SMTPTransport) clientOptions() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(t.port),
		mail.WithTLSPolicy(t.tlsPolicy),
		mail.WithTimeout(t.timeout),
	}
	if t.tlsConfig != nil {
		opts = append(opts, mail.WithTLSConfig(t.tlsConfig.Clone()))
	}
	if t.dialContext != nil {
		opts = append(opts, mail.WithDialContextFunc(t.dialContext))
	}
	if t.helloName != "" {
		opts = append(opts, mail.WithHELO(t.helloName))
	}
	if t.password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(t.username),
			mail.WithPassword(t.password),
		)
	}
	return opts
}

func tlsPolicy(value string) (mail.TLSPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", config.TLSPolicyMandatory:
		return mail.TLSMandatory, nil
	case config.TLSPolicyOpportunistic:
		return mail.TLSOpportunistic, nil
	case config.TLSPolicyNone:
		return mail.NoTLS, nil
	default:
		return mail.NoTLS, fmt.Errorf("smtp transport: unsupported tls policy %q", value)
	}
}

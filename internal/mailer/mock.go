package mailer

import (
	"context"
	"math/rand"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scenario enumerates the supported mock behaviours.
type Scenario string

const (
	ScenarioSuccess   Scenario = "success"
	ScenarioTransient Scenario = "transient"
	ScenarioPermanent Scenario = "permanent"
	ScenarioTimeout   Scenario = "timeout"
)

// MockOption customizes the behaviour of the mock transport at construction time.
type MockOption func(*MockTransport)

// WithLatencyRange overrides the simulated latency. Negative values are
// clamped to zero and max < min is coerced to min.
func WithLatencyRange(min, max time.Duration) MockOption {
	return func(m *MockTransport) {
		if min < 0 {
			min = 0
		}
		if max < 0 {
			max = 0
		}
		if max < min {
			max = min
		}
		m.minLatency = min
		m.maxLatency = max
	}
}

// WithDefaultScenario configures the behaviour for recipients without an
// explicit scenario.
func WithDefaultScenario(s Scenario) MockOption {
	return func(m *MockTransport) {
		m.defaultScenario = s
	}
}

// WithRecipientScenario pins the behaviour for one recipient address.
func WithRecipientScenario(recipient string, s Scenario) MockOption {
	return func(m *MockTransport) {
		m.scenarios[strings.ToLower(strings.TrimSpace(recipient))] = s
	}
}

// MockTransport accepts envelopes without touching the network. It backs
// EMAIL_BACKEND=mock for local runs and keeps every envelope it was handed.
type MockTransport struct {
	logger          zerolog.Logger
	minLatency      time.Duration
	maxLatency      time.Duration
	defaultScenario Scenario
	scenarios       map[string]Scenario

	mu   sync.Mutex
	rnd  *rand.Rand
	sent []Envelope
}

// NewMockTransport constructs a mock transport. By default every send
// succeeds after 25ms to 75ms.
func NewMockTransport(logger zerolog.Logger, opts ...MockOption) *MockTransport {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	m := &MockTransport{
		logger:          logger,
		minLatency:      25 * time.Millisecond,
		maxLatency:      75 * time.Millisecond,
		defaultScenario: ScenarioSuccess,
		scenarios:       make(map[string]Scenario),
		rnd:             rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	return m
}

// Send simulates one SMTP session for env.
func (m *MockTransport) Send(ctx context.Context, env Envelope) error {
	if latency := m.sampleLatency(); latency > 0 {
		if err := sleep(ctx, latency); err != nil {
			return &DeliveryError{Recipient: env.To, Err: err}
		}
	}

	scenario := m.resolveScenario(env.To)
	m.logger.Debug().
		Str("transport", "mock").
		Str("scenario", string(scenario)).
		Str("recipient", env.To).
		Msg("mock transport invoked")

	switch scenario {
	case ScenarioPermanent:
		return &DeliveryError{Recipient: env.To, Err: replyError{code: 550, text: "mailbox unavailable"}}
	case ScenarioTransient:
		return &DeliveryError{Recipient: env.To, Err: replyError{code: 451, text: "requested action aborted, try again later"}}
	case ScenarioTimeout:
		if err := sleep(ctx, m.maxLatency+m.minLatency); err != nil {
			return &DeliveryError{Recipient: env.To, Err: err}
		}
		return &DeliveryError{Recipient: env.To, Err: context.DeadlineExceeded}
	}

	m.mu.Lock()
	m.sent = append(m.sent, env)
	m.mu.Unlock()
	return nil
}

// Sent returns a copy of the envelopes accepted so far.
func (m *MockTransport) Sent() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Envelope(nil), m.sent...)
}

func (m *MockTransport) resolveScenario(recipient string) Scenario {
	if s, ok := m.scenarios[strings.ToLower(strings.TrimSpace(recipient))]; ok {
		return s
	}
	return m.defaultScenario
}

func (m *MockTransport) sampleLatency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxLatency <= m.minLatency {
		return m.minLatency
	}
	delta := m.maxLatency - m.minLatency
	return m.minLatency + time.Duration(m.rnd.Int63n(int64(delta)+1))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

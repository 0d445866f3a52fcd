package delivery

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/notification-dispatcher/internal/common"
	"github.com/example/notification-dispatcher/internal/mailer"
	"github.com/example/notification-dispatcher/internal/metrics"
)

type recordingTransport struct {
	mu       sync.Mutex
	attempts []mailer.Envelope
	failFor  map[string]bool
}

func (r *recordingTransport) Send(_ context.Context, env mailer.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, env)
	if r.failFor[env.To] {
		return &mailer.DeliveryError{Recipient: env.To, Err: errors.New("550 rejected")}
	}
	return nil
}

func (r *recordingTransport) recipients() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.attempts))
	for _, env := range r.attempts {
		out = append(out, env.To)
	}
	return out
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(nil, "bot@example.com", zerolog.Nop())
	require.Error(t, err)

	_, err = NewService(&recordingTransport{}, "  ", zerolog.Nop())
	require.Error(t, err)
}

func TestSendIsolatesFailures(t *testing.T) {
	transport := &recordingTransport{failFor: map[string]bool{"b@x.com": true}}
	svc, err := NewService(transport, "bot@example.com", zerolog.Nop())
	require.NoError(t, err)

	in := []string{"a@x.com", "b@x.com", "c@x.com"}
	out := svc.Send(context.Background(), in, "hello")

	assert.Equal(t, in, out)
	assert.Equal(t, in, transport.recipients())
}

func TestSendEmptyRecipients(t *testing.T) {
	transport := &recordingTransport{}
	svc, err := NewService(transport, "bot@example.com", zerolog.Nop())
	require.NoError(t, err)

	out := svc.Send(context.Background(), []string{}, "hello")
	assert.Empty(t, out)
	assert.Empty(t, transport.recipients())
}

func TestSendComposesFromSender(t *testing.T) {
	transport := &recordingTransport{}
	svc, err := NewService(transport, "bot@example.com", zerolog.Nop())
	require.NoError(t, err)

	svc.Send(context.Background(), []string{"a@x.com"}, "hello")

	require.Len(t, transport.attempts, 1)
	assert.Equal(t, mailer.Compose("a@x.com", "hello", "bot@example.com"), transport.attempts[0])
}

func TestSendReport(t *testing.T) {
	m := metrics.New()
	transport := &recordingTransport{failFor: map[string]bool{"b@x.com": true}}
	svc, err := NewService(transport, "bot@example.com", zerolog.Nop(), WithMetrics(m))
	require.NoError(t, err)

	report := svc.SendReport(context.Background(), []string{"a@x.com", "b@x.com", "c@x.com"}, "hello")

	require.Len(t, report.Outcomes, 3)
	assert.Equal(t, []string{"a@x.com", "c@x.com"}, report.Delivered())

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "b@x.com", failed[0].Recipient)
	assert.ErrorIs(t, report.Err(), common.ErrDelivery)

	expected := `
# HELP dispatcher_deliveries_total Per-recipient delivery attempts by outcome.
# TYPE dispatcher_deliveries_total counter
dispatcher_deliveries_total{outcome="failed"} 1
dispatcher_deliveries_total{outcome="sent"} 2
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "dispatcher_deliveries_total"))
}

func TestSendReportMarksTransientFailures(t *testing.T) {
	var buf bytes.Buffer
	transport := mailer.NewMockTransport(zerolog.Nop(),
		mailer.WithLatencyRange(0, 0),
		mailer.WithRecipientScenario("busy@x.com", mailer.ScenarioTransient),
		mailer.WithRecipientScenario("gone@x.com", mailer.ScenarioPermanent),
	)
	svc, err := NewService(transport, "bot@example.com", zerolog.New(&buf))
	require.NoError(t, err)

	report := svc.SendReport(context.Background(), []string{"busy@x.com", "gone@x.com", "ok@x.com"}, "hello")

	failed := report.Failed()
	require.Len(t, failed, 2)
	assert.Equal(t, "busy@x.com", failed[0].Recipient)
	assert.True(t, failed[0].Temporary)
	assert.Equal(t, "gone@x.com", failed[1].Recipient)
	assert.False(t, failed[1].Temporary)
	assert.False(t, report.Outcomes[2].Temporary)

	assert.Contains(t, buf.String(), `"recipient":"busy@x.com","temporary":true`)
	assert.Contains(t, buf.String(), `"recipient":"gone@x.com","temporary":false`)
}

func TestSendOne(t *testing.T) {
	transport := &recordingTransport{failFor: map[string]bool{"bad@x.com": true}}
	svc, err := NewService(transport, "bot@example.com", zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, svc.SendOne(context.Background(), "a@x.com", "hello"))

	err = svc.SendOne(context.Background(), "bad@x.com", "hello")
	require.ErrorIs(t, err, common.ErrDelivery)
}

func TestReportErrNilWhenAllDelivered(t *testing.T) {
	r := Report{Outcomes: []Outcome{{Recipient: "a@x.com", Duration: time.Millisecond}}}
	assert.NoError(t, r.Err())
	assert.Empty(t, r.Failed())
}

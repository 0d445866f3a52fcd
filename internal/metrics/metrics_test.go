package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.MessageReceived("topic")
		m.DecodeFailed()
		m.DeliveryObserved(OutcomeSent, time.Second)
	})
	assert.Nil(t, m.Registry())
}

func TestMetricsRecord(t *testing.T) {
	m := New()

	m.MessageReceived("public")
	m.MessageReceived("public")
	m.DecodeFailed()
	m.DeliveryObserved(OutcomeSent, 10*time.Millisecond)
	m.DeliveryObserved(OutcomeFailed, 20*time.Millisecond)
	m.DeliveryObserved(OutcomeFailed, 30*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.received.WithLabelValues("public")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decodeFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues(OutcomeSent)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.deliveries.WithLabelValues(OutcomeFailed)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.latency))
}

func TestServerRoutes(t *testing.T) {
	m := New()
	m.MessageReceived("public")

	var ready atomic.Bool
	srv := NewServer("127.0.0.1:0", m, ready.Load, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	tests := []struct {
		name     string
		path     string
		setup    func()
		wantCode int
		wantBody string
	}{
		{name: "healthz", path: "/healthz", wantCode: http.StatusOK, wantBody: `{"status":"ok"}`},
		{name: "not ready", path: "/readyz", setup: func() { ready.Store(false) }, wantCode: http.StatusServiceUnavailable, wantBody: "unavailable"},
		{name: "ready", path: "/readyz", setup: func() { ready.Store(true) }, wantCode: http.StatusOK, wantBody: "ready"},
		{name: "metrics", path: "/metrics", wantCode: http.StatusOK, wantBody: `dispatcher_messages_received_total{topic="public"} 1`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.setup != nil {
				tc.setup()
			}
			resp, err := http.Get(ts.URL + tc.path)
			require.NoError(t, err)
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, tc.wantCode, resp.StatusCode)
			assert.Contains(t, string(body), tc.wantBody)
		})
	}
}

func TestServerRunStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	srv := NewServer(addr, New(), nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServerRunListenError(t *testing.T) {
	srv := NewServer("not-an-address", New(), nil, zerolog.Nop())
	err := srv.Run(context.Background())
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "ops server: listen"))
}

package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	t.Parallel()
	m := New()

	m.ObserveMessage("on-trade", "applied")
	m.ObserveMessage("on-trade", "applied")
	m.ObserveMessage("unknown", "ignored")
	m.ObserveRefetch("stale")
	m.ObserveCancel("confirmed")
	m.SetConnected(true)

	require.Equal(t, 2.0, testutil.ToFloat64(m.messages.WithLabelValues("on-trade", "applied")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.messages.WithLabelValues("unknown", "ignored")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.refetches.WithLabelValues("stale")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.cancels.WithLabelValues("confirmed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.connected))

	m.SetConnected(false)
	require.Equal(t, 0.0, testutil.ToFloat64(m.connected))
}

func TestHandlerExposesRegistry(t *testing.T) {
	t.Parallel()
	m := New()
	m.ObserveCancel("failed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `perpsync_cancel_attempts_total{outcome="failed"} 1`)
	require.Contains(t, string(body), "go_goroutines")
}

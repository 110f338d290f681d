package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/mailpilot/internal/config"
)

func TestMetricsRecording(t *testing.T) {
	m := NewMetrics()

	m.ObservePhase("planning", 20*time.Millisecond, false)
	m.ObservePhase("planning", 10*time.Millisecond, true)
	m.ObserveInstruction("click", true)
	m.ObserveInstruction("click", false)
	m.ObserveRun("succeeded")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PhaseInvocations.WithLabelValues("planning")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PhaseErrors.WithLabelValues("planning")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Instructions.WithLabelValues("click", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Instructions.WithLabelValues("click", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("succeeded")))
}

func TestMetricsIndependentRegistries(t *testing.T) {
	// Two instances must not panic on duplicate registration.
	a, b := NewMetrics(), NewMetrics()
	a.ObserveRun("failed")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Runs.WithLabelValues("failed")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObservePhase("intake", time.Second, true)
		m.ObserveInstruction("fill", true)
		m.ObserveRun("exited")
	})
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.ObserveRun("exited")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `mailpilot_runs_total{outcome="exited"} 1`)
}

func TestInitTracingDisabled(t *testing.T) {
	tp, shutdown, err := InitTracing(context.Background(), config.TracingConfig{Enabled: false}, "mailpilot", "test")
	require.NoError(t, err)
	require.NotNil(t, tp)

	_, span := tp.Tracer("test").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, shutdown(context.Background()))
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("collector:4318"))
}

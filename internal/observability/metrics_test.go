package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	m.SessionsStarted.Inc()
	m.Actions.WithLabelValues("mouse_click", "success").Inc()
	m.Actions.WithLabelValues("mouse_click", "success").Inc()
	m.DegradedSessions.Set(1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsStarted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Actions.WithLabelValues("mouse_click", "success")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vmpilot_degraded_sessions 1")
	assert.Contains(t, rec.Body.String(), `vmpilot_actions_total{status="success",tool="mouse_click"} 2`)
}

func TestMetricsInstancesAreIndependent(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.Cycles.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Cycles))
}

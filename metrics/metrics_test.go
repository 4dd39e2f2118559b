package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordRunAndModels(t *testing.T) {
	m := New()
	m.RecordRun("completed")
	m.RecordRun("completed")
	m.RecordModel("failed", 3)

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `dbtmigrate_runs_total{outcome="completed"} 2`)
	assert.Contains(t, body, `dbtmigrate_models_total{status="failed"} 1`)
	assert.Contains(t, body, `dbtmigrate_model_attempts_count 1`)
}

func TestMetrics_AgentCalls(t *testing.T) {
	m := New()
	m.ObserveAgentCall("tester", "success", 250*time.Millisecond)
	m.ObserveAgentCall("tester", "failure", time.Second)

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `dbtmigrate_agent_calls_total{outcome="success",role="tester"} 1`)
	assert.Contains(t, body, `dbtmigrate_agent_calls_total{outcome="failure",role="tester"} 1`)
	assert.Contains(t, body, `dbtmigrate_agent_call_duration_seconds_count{role="tester"} 2`)
}

func TestMetrics_SnapshotAndLLM(t *testing.T) {
	m := New()
	m.RecordSnapshotWrite("file", "ok")
	m.ObserveLLM("error", 2*time.Second)

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `dbtmigrate_snapshot_writes_total{outcome="ok",store="file"} 1`)
	assert.Contains(t, body, `dbtmigrate_llm_requests_total{outcome="error"} 1`)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRun("failed")
		m.RecordModel("completed", 0)
		m.ObserveAgentCall("planner", "success", time.Millisecond)
		m.RecordSnapshotWrite("redis", "error")
		m.ObserveLLM("ok", time.Millisecond)
	})
}

func getMetricsBody(t *testing.T, m *Metrics) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	return string(body)
}

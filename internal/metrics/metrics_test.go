package metrics

import (
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordConsensus("ETH/USDC", "valid")
		m.RecordGas("1", "fast", big.NewInt(1))
		m.RecordExecution("1", "failed", "", 1, time.Second)
		m.SetBreaker(true, 5)
		m.RecordSinkDrop("s3")
	})
	assert.Nil(t, m.Registry())
}

func TestRecordExecutionLabels(t *testing.T) {
	m := New("test")
	m.RecordExecution("137", "failed", "transaction_reverted", 1, time.Second)
	m.RecordExecution("137", "succeeded", "", 2, time.Second)

	body := scrape(t, m)
	assert.Contains(t, body, `test_executor_executions_total{chain="137",kind="transaction_reverted",status="failed"} 1`)
	assert.Contains(t, body, `test_executor_executions_total{chain="137",kind="none",status="succeeded"} 1`)
}

func TestRecordGasConvertsToGwei(t *testing.T) {
	m := New("test")
	m.RecordGas("1", "standard", big.NewInt(27_000_000_000))
	assert.Contains(t, scrape(t, m), `test_gas_max_fee_gwei{chain="1",strategy="standard"} 27`)
}

func TestBreakerGauge(t *testing.T) {
	m := New("test")
	m.SetBreaker(true, 5)

	body := scrape(t, m)
	assert.Contains(t, body, "test_orchestrator_circuit_breaker_open 1")
	assert.Contains(t, body, "test_orchestrator_consecutive_failures 5")
}

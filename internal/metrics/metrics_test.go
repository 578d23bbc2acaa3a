package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordDeployment("rolling", "success", time.Second)
		m.DeviceStarted()
		m.DeviceFinished()
		m.RecordStep("deploy", true)
		m.RecordRecovery("retry_with_backoff", false)
		m.SetBreakerOpen("ParseError", true)
		m.RecordHealthCheck("healthy")
		m.SetFleetHealthy(90)
		m.RecordDrift("high")
		m.RecordRemediation("remediated")
	})
}

func TestRecordAndExport(t *testing.T) {
	m := New()
	m.RecordDeployment("canary", "success", 3*time.Second)
	m.RecordRecovery("immediate_rollback", true)
	m.RecordRecovery("immediate_rollback", true)
	m.SetBreakerOpen("ConnectionError", true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeploymentsTotal.WithLabelValues("canary", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RecoveriesTotal.WithLabelValues("immediate_rollback", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerOpen.WithLabelValues("ConnectionError")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "uci_fleet_deployments_total")
}

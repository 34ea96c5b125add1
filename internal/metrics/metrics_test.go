// ABOUTME: Tests for Prometheus metrics registration and observers
// ABOUTME: Verifies counters through prometheus/testutil and the HTTP handler output

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(nil)

	m.ObserveDecision("reject")
	m.ObserveDecision("reject")
	m.ObserveDecision("admit_new")
	m.JobFinished("completed")
	m.JobFinished("failed")
	m.MessageQueued()
	m.ObserveRecovery("recovered")
	m.PlatformError("send_acknowledgement")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("reject")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("admit_new")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesQueuedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecoveriesTotal.WithLabelValues("recovered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PlatformErrorsTotal.WithLabelValues("send_acknowledgement")))
}

func TestMetrics_Histograms(t *testing.T) {
	m := New(nil)

	m.JobStarted(3)
	m.ObserveJobDuration(2 * time.Second)

	assert.Equal(t, 1, testutil.CollectAndCount(m.JobBatchSize))
	assert.Equal(t, 1, testutil.CollectAndCount(m.JobDuration))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveDecision("reject")
	m.JobStarted(1)
	m.JobFinished("completed")
	m.ObserveJobDuration(time.Second)
	m.MessageQueued()
	m.ObserveRecovery("error")
	m.PlatformError("create_thread")
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	// Two instances must not collide on registration
	a := New(nil)
	b := New(nil)
	a.MessageQueued()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.MessagesQueuedTotal))
}

func TestMetrics_Handler(t *testing.T) {
	active := 7
	m := New(func() int { return active })
	m.ObserveDecision("admit_existing")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `echo_router_decisions_total{decision="admit_existing"} 1`))
	assert.True(t, strings.Contains(body, "echo_router_conversations_active 7"))
	assert.True(t, strings.Contains(body, "echo_router_uptime_seconds"))
}

package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ConnectionOpened("teacher")
	m.ConnectionClosed("teacher")
	m.MessageHandled("DONE", "ok")
	m.Rejected("mark", "forbidden")
	m.SessionStarted()
	m.SessionStopped()
	m.Marked("present")
	m.Committed(true, time.Second)
	m.Broadcast("queued")
	assert.NotNil(t, m.Handler())
}

func TestMetrics_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ConnectionOpened("student")
	m.ConnectionOpened("student")
	m.ConnectionClosed("student")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections.WithLabelValues("student")))

	m.SessionStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeSession))
	m.Marked("present")
	m.Committed(false, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeSession), "failed commit keeps the session")
	m.Committed(true, 10*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeSession))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commits.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commits.WithLabelValues("failed")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New(nil)
	m.Rejected("commit", "no_active_session")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `rollcall_engine_rejections_total{kind="no_active_session",op="commit"} 1`))
}

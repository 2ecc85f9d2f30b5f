package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Attempt("accepted")
	m.SessionOpened()
	m.SessionClosed("client_disconnect", 1)
	m.Published("x")
	m.Delivered(3)
	m.SlowConsumer()
	m.Replayed(2)
	m.BacklogError("append")
	m.Offline("sent")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestSessionLifecycle(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed("max_lifetime", 300)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionCloses.WithLabelValues("max_lifetime")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.SessionDuration))
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Published("task.assigned")
	m.Delivered(0)
	m.Delivered(4)
	m.Replayed(2)
	m.SlowConsumer()
	m.BacklogError("since")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("task.assigned")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.FramesDelivered))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReplayEvents))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SlowConsumers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BacklogErrors.WithLabelValues("since")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Attempt("rejected")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body), `pulse_stream_connection_attempts_total{result="rejected"} 1`))
	assert.True(t, strings.Contains(string(body), "pulse_stream_connections_active 0"))
}

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordToRegistry(t *testing.T) {
	m := MustNewMetrics(prometheus.NewRegistry())

	m.ObserveHTTP("register", "POST", 201, 5*time.Millisecond)
	m.IncPushOutcome("changed", "sent")
	m.IncPushOutcome("changed", "sent")
	m.IncQueueDropped()
	m.SetQueueDepth(3)

	require.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("register", "POST", "201")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.pushOutcomes.WithLabelValues("changed", "sent")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.pushQueueDropped))
	require.Equal(t, 3.0, testutil.ToFloat64(m.pushQueueDepth))
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveHTTP("x", "GET", 200, time.Second)
		m.IncRegistration("created")
		m.IncPassMutation("add_points")
		m.IncBundleBuild("ok")
		m.IncPushOutcome("changed", "failed")
		m.IncQueueDropped()
		m.SetQueueDepth(1)
		m.IncPersistFailure("passes")
		m.IncCatalogFailure()
	})
}

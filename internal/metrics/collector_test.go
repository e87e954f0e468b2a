package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.forksTotal)
	assert.NotNil(t, collector.joinsTotal)
	assert.NotNil(t, collector.lockWaitDuration)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordHTTPRequest("GET", "/test", 200, 100*time.Millisecond, 1024, 2048)
	collector.RecordHTTPRequest("GET", "/test", 503, 50*time.Millisecond, 512, 1024)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/test", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/test", "5xx")))
}

func TestCollector_ForkJoin(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordFork("concurrent")
	collector.RecordFork("concurrent")
	collector.RecordFork("sequential")
	collector.RecordJoin("paused")
	collector.RecordJoin("paused")
	collector.RecordJoin("advanced")
	collector.RecordSuspension()
	collector.RecordResume("ignored")
	collector.RecordBranchFailure()

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.forksTotal.WithLabelValues("concurrent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.forksTotal.WithLabelValues("sequential")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.joinsTotal.WithLabelValues("paused")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.joinsTotal.WithLabelValues("advanced")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.suspensionsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.resumesTotal.WithLabelValues("ignored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.branchFailures))
}

func TestCollector_ObserveLockWait(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.ObserveLockWait(2*time.Millisecond, true)
	collector.ObserveLockWait(time.Second, false)

	assert.Equal(t, 2, testutil.CollectAndCount(collector.lockWaitDuration))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.lockFailures))
}

func TestCollector_RecordDatabase(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordDBQuery("postgres", "SELECT", 20*time.Millisecond)
	collector.RecordDBConnections("postgres", 10, 5)

	assert.Greater(t, testutil.CollectAndCount(collector.dbQueryDuration), 0)
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("postgres")))
	assert.Equal(t, 5.0, testutil.ToFloat64(collector.dbConnectionsIdle.WithLabelValues("postgres")))
}

func TestCollector_NilSafe(t *testing.T) {
	var collector *Collector

	assert.NotPanics(t, func() {
		collector.RecordHTTPRequest("GET", "/", 200, time.Millisecond, 0, 0)
		collector.RecordFork("sequential")
		collector.RecordJoin("advanced")
		collector.RecordSuspension()
		collector.RecordResume("advanced")
		collector.RecordBranchFailure()
		collector.ObserveLockWait(time.Millisecond, true)
		collector.RecordDBConnections("postgres", 1, 1)
		collector.RecordDBQuery("postgres", "SELECT", time.Millisecond)
	})
}

func TestCollector_CustomRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewCollectorWith(registry, "flowgate", zap.NewNop())

	collector.RecordJoin("advanced")

	families, err := registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["flowgate_join_evaluations_total"])
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordFork("concurrent")
			collector.RecordJoin("paused")
			collector.ObserveLockWait(time.Millisecond, true)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10.0, testutil.ToFloat64(collector.forksTotal.WithLabelValues("concurrent")))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.joinsTotal.WithLabelValues("paused")))
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{302, "3xx"},
		{404, "4xx"},
		{500, "5xx"},
		{100, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusCode(tt.code))
	}
}

package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector tests
// =============================================================================

func TestNewCollector(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.httpRequestDuration)
	assert.NotNil(t, collector.claimsTotal)
	assert.NotNil(t, collector.sendsTotal)
	assert.NotNil(t, collector.recvWaitDuration)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordHTTPRequest("GET", "/status", 200, 100*time.Millisecond)
	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, count, 0)

	collector.RecordHTTPRequest("GET", "/status", 200, 50*time.Millisecond)
	newCount := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.GreaterOrEqual(t, newCount, count)
}

func TestCollector_RecordClaim(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordClaim("ok", 3)
	collector.RecordClaim("name_taken", 0)

	count := testutil.CollectAndCount(collector.claimsTotal)
	assert.Equal(t, 2, count)

	attemptsCount := testutil.CollectAndCount(collector.claimAttempts)
	assert.Equal(t, 1, attemptsCount)
}

func TestCollector_RecordRenameAndHeartbeat(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordRename("ok")
	collector.RecordHeartbeat("ok")
	collector.SetOnlineAgents(4)

	assert.Greater(t, testutil.CollectAndCount(collector.renamesTotal), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.heartbeatsTotal), 0)
	assert.Equal(t, float64(4), testutil.ToFloat64(collector.onlineAgentsGauge))
}

func TestCollector_RecordSendLeaseAckRelease(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordSend("sent")
	collector.RecordLease("hit")
	collector.RecordAck(2)
	collector.RecordRelease(1)
	collector.RecordMessagesPruned(5)

	assert.Greater(t, testutil.CollectAndCount(collector.sendsTotal), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.leasesTotal), 0)
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.acksTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.releasesTotal))
	assert.Equal(t, float64(5), testutil.ToFloat64(collector.messagesPruned))
}

func TestCollector_RecordLeaderDuties(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordElectionAttempt("acquired")
	collector.SetIsLeader(true)
	collector.RecordJanitorCycle("ttl_reap", 10*time.Millisecond)
	collector.RecordPeersReaped("ttl_expired", 3)
	collector.RecordDeadlockAlert()

	assert.Greater(t, testutil.CollectAndCount(collector.electionAttemptsTotal), 0)
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.isLeaderGauge))
	assert.Greater(t, testutil.CollectAndCount(collector.janitorCycleDuration), 0)
	assert.Equal(t, float64(3), testutil.ToFloat64(collector.peersReapedTotal.WithLabelValues("ttl_expired")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.deadlockAlertsTotal))

	collector.SetIsLeader(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(collector.isLeaderGauge))
}

func TestCollector_RecordRecv(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordRecv("message", 250*time.Millisecond)
	collector.RecordRecv("timeout", 5*time.Second)

	assert.Equal(t, 2, testutil.CollectAndCount(collector.recvOutcomeTotal))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			collector.RecordHTTPRequest("GET", "/status", 200, 100*time.Millisecond)
			collector.RecordSend("sent")
			collector.RecordRecv("message", 10*time.Millisecond)
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.Greater(t, testutil.CollectAndCount(collector.httpRequestsTotal), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.sendsTotal), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.recvOutcomeTotal), 0)
}

func TestCollector_MetricsRegistration(t *testing.T) {
	logger := zap.NewNop()

	registry := prometheus.NewRegistry()
	collector := NewCollector(nextTestNamespace(), logger)

	registry.MustRegister(collector.httpRequestsTotal)
	registry.MustRegister(collector.httpRequestDuration)

	collector.RecordHTTPRequest("GET", "/status", 200, 100*time.Millisecond)

	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, count, 0)
}

// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 Collector
// =============================================================================

// Collector holds every Prometheus instrument the bus records against.
type Collector struct {
	registry *prometheus.Registry

	// HTTP surface
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Identity
	claimsTotal      *prometheus.CounterVec
	claimAttempts    prometheus.Histogram
	renamesTotal     *prometheus.CounterVec
	heartbeatsTotal  *prometheus.CounterVec
	onlineAgentsGauge prometheus.Gauge

	// Message layer
	sendsTotal     *prometheus.CounterVec
	leasesTotal    *prometheus.CounterVec
	acksTotal      prometheus.Counter
	releasesTotal  prometheus.Counter
	messagesPruned prometheus.Counter

	// Leader election and janitor duties
	electionAttemptsTotal *prometheus.CounterVec
	isLeaderGauge         prometheus.Gauge
	janitorCycleDuration  *prometheus.HistogramVec
	peersReapedTotal      *prometheus.CounterVec
	deadlockAlertsTotal   prometheus.Counter

	// recv
	recvWaitDuration *prometheus.HistogramVec
	recvOutcomeTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers and returns the bus's metric instruments under
// namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	c := &Collector{
		registry: registry,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	// =========================================================================
	// 🌐 HTTP surface
	// =========================================================================
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total number of HTTP requests"},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds", Buckets: prometheus.DefBuckets},
		[]string{"method", "path"},
	)

	// =========================================================================
	// 🪪 Identity / presence
	// =========================================================================
	c.claimsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "claims_total", Help: "Total number of id claim attempts"},
		[]string{"result"}, // ok, name_taken, exhausted
	)
	c.claimAttempts = factory.NewHistogram(
		prometheus.HistogramOpts{Namespace: namespace, Name: "claim_candidate_attempts", Help: "Candidate ids tried before a successful claim", Buckets: []float64{1, 2, 5, 10, 25, 50, 100}},
	)
	c.renamesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "renames_total", Help: "Total number of rename attempts"},
		[]string{"result"}, // ok, invalid, name_taken, fail
	)
	c.heartbeatsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "heartbeats_total", Help: "Total number of heartbeat writes"},
		[]string{"result"},
	)
	c.onlineAgentsGauge = factory.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Name: "online_agents", Help: "Agents currently within heartbeat TTL, as last observed by this process"},
	)

	// =========================================================================
	// ✉️ Message layer
	// =========================================================================
	c.sendsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "sends_total", Help: "Total number of send() calls by result"},
		[]string{"result"}, // sent, self_rejected, offline, no_peers, db_error
	)
	c.leasesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "leases_total", Help: "Total number of lease attempts by whether rows were returned"},
		[]string{"outcome"}, // hit, empty, error
	)
	c.acksTotal = factory.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "acks_total", Help: "Total number of acknowledged messages"},
	)
	c.releasesTotal = factory.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "releases_total", Help: "Total number of released (un-acked) leased messages"},
	)
	c.messagesPruned = factory.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "messages_pruned_total", Help: "Total number of messages deleted by retention pruning"},
	)

	// =========================================================================
	// 👑 Leader election and janitor duties
	// =========================================================================
	c.electionAttemptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "leader_election_attempts_total", Help: "Total number of lease acquire/renew attempts"},
		[]string{"result"}, // acquired, stolen, error
	)
	c.isLeaderGauge = factory.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Name: "is_leader", Help: "1 if this process currently holds the leader lease"},
	)
	c.janitorCycleDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "janitor_cycle_duration_seconds", Help: "Duration of one janitor duty", Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5}},
		[]string{"duty"}, // pid_scan, ttl_reap (includes message prune), forward, checkpoint
	)
	c.peersReapedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "peers_reaped_total", Help: "Total number of peer rows reaped"},
		[]string{"reason"}, // pid_dead, ttl_expired
	)
	c.deadlockAlertsTotal = factory.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "deadlock_alerts_total", Help: "Total number of all-agents-waiting alerts sent"},
	)

	// =========================================================================
	// 🎧 recv
	// =========================================================================
	c.recvWaitDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "recv_wait_duration_seconds", Help: "How long recv() blocked before returning", Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300}},
		[]string{"outcome"}, // message, timeout, cancelled, empty
	)
	c.recvOutcomeTotal = factory.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "recv_outcomes_total", Help: "Total number of recv() calls by outcome"},
		[]string{"outcome"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// Registry returns this collector's private registry, so an HTTP handler
// (promhttp.HandlerFor) can expose it without colliding with any other
// Collector's instruments in the same process.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// RecordHTTPRequest records one HTTP request/response cycle.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordClaim records the outcome of one id-claim attempt and, on success,
// how many candidates it took.
func (c *Collector) RecordClaim(result string, attempts int) {
	c.claimsTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		c.claimAttempts.Observe(float64(attempts))
	}
}

// RecordRename records the outcome of one rename attempt.
func (c *Collector) RecordRename(result string) { c.renamesTotal.WithLabelValues(result).Inc() }

// RecordHeartbeat records the outcome of one heartbeat write.
func (c *Collector) RecordHeartbeat(result string) { c.heartbeatsTotal.WithLabelValues(result).Inc() }

// SetOnlineAgents updates the last-observed online-agent count.
func (c *Collector) SetOnlineAgents(n int) { c.onlineAgentsGauge.Set(float64(n)) }

// RecordSend records the outcome of one send() call.
func (c *Collector) RecordSend(result string) { c.sendsTotal.WithLabelValues(result).Inc() }

// RecordLease records whether a lease attempt returned rows.
func (c *Collector) RecordLease(outcome string) { c.leasesTotal.WithLabelValues(outcome).Inc() }

// RecordAck records n acknowledged messages.
func (c *Collector) RecordAck(n int) { c.acksTotal.Add(float64(n)) }

// RecordRelease records n released (un-acked) messages.
func (c *Collector) RecordRelease(n int) { c.releasesTotal.Add(float64(n)) }

// RecordMessagesPruned records n messages deleted by retention.
func (c *Collector) RecordMessagesPruned(n int) { c.messagesPruned.Add(float64(n)) }

// RecordElectionAttempt records one lease acquire/renew attempt.
func (c *Collector) RecordElectionAttempt(result string) {
	c.electionAttemptsTotal.WithLabelValues(result).Inc()
}

// SetIsLeader updates whether this process currently holds the lease.
func (c *Collector) SetIsLeader(isLeader bool) {
	if isLeader {
		c.isLeaderGauge.Set(1)
		return
	}
	c.isLeaderGauge.Set(0)
}

// RecordJanitorCycle records how long one named janitor duty took.
func (c *Collector) RecordJanitorCycle(duty string, duration time.Duration) {
	c.janitorCycleDuration.WithLabelValues(duty).Observe(duration.Seconds())
}

// RecordPeersReaped records n peers reaped for the given reason.
func (c *Collector) RecordPeersReaped(reason string, n int) {
	if n <= 0 {
		return
	}
	c.peersReapedTotal.WithLabelValues(reason).Add(float64(n))
}

// RecordDeadlockAlert records one all-agents-waiting alert sent.
func (c *Collector) RecordDeadlockAlert() { c.deadlockAlertsTotal.Inc() }

// RecordRecv records one recv() call's outcome and wait duration.
func (c *Collector) RecordRecv(outcome string, duration time.Duration) {
	c.recvOutcomeTotal.WithLabelValues(outcome).Inc()
	c.recvWaitDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 helpers
// =============================================================================

// statusCode buckets an HTTP status into its class.
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

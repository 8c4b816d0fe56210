// Package leader implements election by lease and the janitor duties that
// run only while elected: PID scan, TTL reap, message pruning, checkpoint,
// deadlock alert, and (mailbox backend only) outbox-to-inbox forwarding.
package leader

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentpool/agentpool/internal/message"
	"github.com/agentpool/agentpool/internal/metrics"
	"github.com/agentpool/agentpool/internal/presence"
	agentpoolstore "github.com/agentpool/agentpool/internal/store"
)

// Config shapes election and janitor cadence.
type Config struct {
	RenewEvery      time.Duration
	LeaseTTL        time.Duration
	PIDScanEvery    time.Duration
	TTLReapEvery    time.Duration
	ForwardEvery    time.Duration
	CheckpointEvery time.Duration
	StartJitterMax  time.Duration
	HeartbeatTTL    time.Duration
	// ForwardBatch caps rows moved from one sender's outbox per forward
	// pass. 0 falls back to forwardBatchDefault.
	ForwardBatch int
}

// DeadlockConfig shapes the optional all-waiting alert.
type DeadlockConfig struct {
	Enabled        bool
	TriggerDelay   time.Duration
	WarnCooldown   time.Duration
	LeaderNameHint string
}

// IsAlive reports whether pid is a live process on this host. Callers pass
// an OS-specific implementation so this package stays portable.
type IsAlive func(pid int) bool

// Service runs the election loop and, while elected, the janitor duties.
type Service struct {
	backend  agentpoolstore.Backend
	presence *presence.View
	message  *message.Service
	cfg      Config
	deadlock DeadlockConfig
	isAlive  IsAlive
	logger   *zap.Logger
	metrics  *metrics.Collector

	selfID   string
	hostname string
	pid      int

	elected atomic.Bool

	lastPIDScan    time.Time
	lastTTLReap    time.Time
	lastForward    time.Time
	lastCheckpoint time.Time

	allWaitingSince  time.Time
	lastDeadlockWarn time.Time
}

// NewService constructs a Service. selfID must be refreshed by the caller
// if the local identity renames (use SetSelfID).
func NewService(backend agentpoolstore.Backend, view *presence.View, msgSvc *message.Service, cfg Config, deadlock DeadlockConfig, isAlive IsAlive, hostname string, pid int, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		backend: backend, presence: view, message: msgSvc,
		cfg: cfg, deadlock: deadlock, isAlive: isAlive,
		hostname: hostname, pid: pid,
		logger: logger.With(zap.String("component", "leader")),
	}
}

// SetSelfID updates the id this process currently holds, so PIDScanReap can
// correctly exclude self after a rename.
func (s *Service) SetSelfID(id string) { s.selfID = id }

// SetMetrics attaches a metrics collector. Optional: a nil or never-set
// collector means tick/checkDeadlock simply skip recording.
func (s *Service) SetMetrics(c *metrics.Collector) { s.metrics = c }

// IsLeader reports whether this process currently holds the lease.
func (s *Service) IsLeader() bool { return s.elected.Load() }

// Run starts the election/janitor loop, returning when ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	if s.cfg.StartJitterMax > 0 {
		jitter := time.Duration(rand.Int63n(int64(s.cfg.StartJitterMax)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter):
		}
	}

	ticker := time.NewTicker(s.cfg.RenewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	now := agentpoolstore.Now()
	err := s.backend.TryAcquireLease(ctx, s.selfID, s.hostname, s.pid, s.cfg.LeaseTTL.Seconds(), now)
	if err != nil {
		s.elected.Store(false)
		if s.metrics != nil {
			s.metrics.SetIsLeader(false)
		}
		if err != agentpoolstore.ErrLeaseStolen {
			s.logger.Warn("lease renewal failed", zap.Error(err))
			if s.metrics != nil {
				s.metrics.RecordElectionAttempt("error")
			}
		} else if s.metrics != nil {
			s.metrics.RecordElectionAttempt("stolen")
		}
		return
	}
	s.elected.Store(true)
	if s.metrics != nil {
		s.metrics.RecordElectionAttempt("acquired")
		s.metrics.SetIsLeader(true)
	}

	wallNow := time.Now()
	if wallNow.Sub(s.lastPIDScan) >= s.cfg.PIDScanEvery {
		s.lastPIDScan = wallNow
		dutyStart := time.Now()
		if n, err := s.backend.PIDScanReap(ctx, s.hostname, s.selfID, s.isAlive); err != nil {
			s.logger.Warn("pid scan reap failed", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("pid scan reaped stale peers", zap.Int("count", n))
			if s.metrics != nil {
				s.metrics.RecordPeersReaped("pid_dead", n)
			}
		}
		if s.metrics != nil {
			s.metrics.RecordJanitorCycle("pid_scan", time.Since(dutyStart))
		}
	}

	if wallNow.Sub(s.lastTTLReap) >= s.cfg.TTLReapEvery {
		s.lastTTLReap = wallNow
		dutyStart := time.Now()
		if n, err := s.backend.TTLReap(ctx, now, s.cfg.HeartbeatTTL.Seconds()); err != nil {
			s.logger.Warn("ttl reap failed", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("ttl reaped stale peers", zap.Int("count", n))
			if s.metrics != nil {
				s.metrics.RecordPeersReaped("ttl_expired", n)
			}
		}
		if n, err := s.message.PruneMessages(ctx); err != nil {
			s.logger.Warn("message prune failed", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("pruned aged messages", zap.Int("count", n))
			if s.metrics != nil {
				s.metrics.RecordMessagesPruned(n)
			}
		}
		if s.metrics != nil {
			s.metrics.RecordJanitorCycle("ttl_reap", time.Since(dutyStart))
		}
		s.checkDeadlock(ctx)
	}

	forwardEvery := s.cfg.ForwardEvery
	if forwardEvery <= 0 {
		forwardEvery = forwardEveryDefault
	}
	if wallNow.Sub(s.lastForward) >= forwardEvery {
		s.lastForward = wallNow
		dutyStart := time.Now()
		batch := s.cfg.ForwardBatch
		if batch <= 0 {
			batch = forwardBatchDefault
		}
		if n, err := s.backend.Forward(ctx, batch, now); err != nil {
			s.logger.Warn("forward failed", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("forwarded mailbox messages", zap.Int("count", n))
		}
		if s.metrics != nil {
			s.metrics.RecordJanitorCycle("forward", time.Since(dutyStart))
		}
	}

	if wallNow.Sub(s.lastCheckpoint) >= s.cfg.CheckpointEvery {
		s.lastCheckpoint = wallNow
		dutyStart := time.Now()
		if err := s.backend.Checkpoint(ctx); err != nil {
			s.logger.Warn("checkpoint failed", zap.Error(err))
		}
		if s.metrics != nil {
			s.metrics.RecordJanitorCycle("checkpoint", time.Since(dutyStart))
		}
	}
}

// forwardEveryDefault/forwardBatchDefault back Config zero values so Run
// never skips forwarding entirely by omission.
const (
	forwardEveryDefault = 2 * time.Second
	forwardBatchDefault = 50
)

func (s *Service) checkDeadlock(ctx context.Context) {
	if !s.deadlock.Enabled {
		return
	}

	allWaiting, err := s.presence.AllOnlineWaiting(ctx)
	if err != nil {
		s.logger.Warn("deadlock check failed", zap.Error(err))
		return
	}

	if !allWaiting {
		s.allWaitingSince = time.Time{}
		return
	}
	if s.allWaitingSince.IsZero() {
		s.allWaitingSince = time.Now()
		return
	}
	if time.Since(s.allWaitingSince) < s.deadlock.TriggerDelay {
		return
	}
	if !s.lastDeadlockWarn.IsZero() && time.Since(s.lastDeadlockWarn) < s.deadlock.WarnCooldown {
		return
	}

	peers, err := s.presence.ListOnline(ctx)
	if err != nil {
		s.logger.Warn("deadlock check failed listing peers", zap.Error(err))
		return
	}
	var leaders []string
	hint := s.deadlock.LeaderNameHint
	if hint == "" {
		hint = "leader"
	}
	for _, p := range peers {
		if strings.Contains(strings.ToLower(p.ID), hint) {
			leaders = append(leaders, p.ID)
		}
	}
	if len(leaders) == 0 {
		fmt.Fprintf(os.Stderr, "agentpool: all %d online agents are waiting and no %q-named agent exists to alert\n", len(peers), hint)
		s.lastDeadlockWarn = time.Now()
		return
	}

	for _, id := range leaders {
		if _, err := s.backend.Enqueue(ctx, "system", []string{id}, "All agents are currently waiting; nobody is assigning work.", agentpoolstore.Now()); err != nil {
			s.logger.Warn("deadlock alert enqueue failed", zap.Error(err))
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordDeadlockAlert()
		}
	}
	s.lastDeadlockWarn = time.Now()
}

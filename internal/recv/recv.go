// Package recv implements the one blocking operation in the bus: a
// long-poll loop that waits for a lease-able message, a deadline, or
// cancellation, releasing any held lease before it ever returns.
package recv

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/agentpool/agentpool/internal/identity"
	"github.com/agentpool/agentpool/internal/message"
	agentpoolstore "github.com/agentpool/agentpool/internal/store"
)

// jitterUnit scales the per-id poll jitter: each id polls at its base
// interval plus (idNum % 10) * jitterUnit, so a fleet sharing one backend
// doesn't wake up in lockstep.
const jitterUnit = 30 * time.Millisecond

// Config shapes poll cadence. The leader polls faster than followers since
// it's also the one draining mailbox outboxes on ForwardEvery; followers
// back off to reduce contention on the shared backend.
type Config struct {
	// LeaderPollInterval is the base sleep between polls while this
	// process holds the leader lease.
	LeaderPollInterval time.Duration
	// FollowerPollInterval is the base sleep between polls otherwise.
	FollowerPollInterval time.Duration
	// IsLeader reports current leader status. Nil means always poll at
	// FollowerPollInterval.
	IsLeader func() bool
}

// ActivityTracker reports the most recent tool-invocation timestamp for a
// session, so a receive loop can detect that a later call superseded it.
type ActivityTracker interface {
	LastActive() float64
}

// Service runs the receive loop against a message.Service and an
// identity.Service for the owning session.
type Service struct {
	message  *message.Service
	identity *identity.Service
	cfg      Config
	logger   *zap.Logger
}

// NewService constructs a Service.
func NewService(msgSvc *message.Service, idSvc *identity.Service, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LeaderPollInterval <= 0 {
		cfg.LeaderPollInterval = 2 * time.Second
	}
	if cfg.FollowerPollInterval <= 0 {
		cfg.FollowerPollInterval = 6 * time.Second
	}
	return &Service{message: msgSvc, identity: idSvc, cfg: cfg, logger: logger.With(zap.String("component", "recv"))}
}

// Recv blocks until a message arrives, the deadline passes, a later
// invocation in the same session supersedes it, or ctx is cancelled. It
// always returns one of the documented result strings; ctx cancellation
// is reported as "Cancelled by new command." after the held lease (if
// any) is released.
func (s *Service) Recv(ctx context.Context, tracker ActivityTracker, waitSeconds int) string {
	myID := s.identity.ID()

	if out, ok := s.tryLeaseAndFormat(ctx, myID); ok {
		return out
	}

	if waitSeconds <= 0 {
		return "No new messages."
	}

	startActive := float64(0)
	if tracker != nil {
		startActive = tracker.LastActive()
	}

	start := agentpoolstore.Now()
	deadline := start + float64(waitSeconds)

	if err := s.setWaiting(ctx, myID, start, deadline, waitSeconds); err != nil {
		s.logger.Warn("set waiting mode failed", zap.Error(err))
	}

	result := s.poll(ctx, myID, tracker, startActive, deadline, waitSeconds)

	if err := s.clearWaiting(ctx, myID); err != nil {
		s.logger.Warn("clear waiting mode failed", zap.Error(err))
	}
	return result
}

func (s *Service) poll(ctx context.Context, myID string, tracker ActivityTracker, startActive, deadline float64, waitSeconds int) string {
	jitter := idJitter(myID)

	for {
		base := s.cfg.FollowerPollInterval
		if s.cfg.IsLeader != nil && s.cfg.IsLeader() {
			base = s.cfg.LeaderPollInterval
		}
		timer := time.NewTimer(base + jitter)

		select {
		case <-ctx.Done():
			timer.Stop()
			return "Cancelled by new command."
		case <-timer.C:
			if tracker != nil && tracker.LastActive() != startActive {
				return "Cancelled by new command."
			}

			now := agentpoolstore.Now()
			if now >= deadline {
				return fmt.Sprintf("Timeout (%ds).", waitSeconds)
			}

			if err := s.touch(ctx, myID, now); err != nil {
				s.logger.Warn("touch recv failed", zap.Error(err))
			}

			if out, ok := s.tryLeaseAndFormat(ctx, myID); ok {
				return out
			}
		}
	}
}

// idJitter derives a small per-id offset from the numeric agent id (see
// identity.Claim's "%03d" format) so a fleet sharing one backend doesn't
// all poll in lockstep. Non-numeric ids (never produced by Claim, but
// reachable via Rename) just get zero jitter.
func idJitter(id string) time.Duration {
	n, err := strconv.Atoi(id)
	if err != nil {
		return 0
	}
	return time.Duration(n%10) * jitterUnit
}

// tryLeaseAndFormat leases once and, if any messages came back, acks and
// formats them. A lease attempt that returns no rows is not an error.
//
// The ack (and, on ack failure, the compensating release) run against a
// background context rather than the caller's ctx: once a lease has
// succeeded, the rows are inflight under this id, and a transport
// cancellation landing in the gap before ack must not leave them stranded
// past LEASE_TTL. Using ctx for the ack would let that exact cancellation
// abort the very call meant to clean up after it.
func (s *Service) tryLeaseAndFormat(ctx context.Context, myID string) (string, bool) {
	batch, err := s.message.Lease(ctx, myID)
	if err != nil {
		s.logger.Warn("lease failed", zap.Error(err))
		return "", false
	}
	if len(batch.Messages) == 0 {
		return "", false
	}

	ids := make([]string, len(batch.Messages))
	for i, m := range batch.Messages {
		ids[i] = m.MsgID
	}

	ackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.message.Ack(ackCtx, myID, ids); err != nil {
		s.logger.Warn("ack after lease failed, releasing", zap.Error(err))
		if relErr := s.message.Release(ackCtx, myID, ids); relErr != nil {
			s.logger.Warn("release after failed ack also failed", zap.Error(relErr))
		}
	}
	return message.FormatBatch(batch.Messages, batch.ApproxRemaining), true
}

func (s *Service) setWaiting(ctx context.Context, myID string, start, deadline float64, waitSeconds int) error {
	return s.identity.SetMode(ctx, myID, agentpoolstore.ModeWaiting, start, deadline, waitSeconds)
}

func (s *Service) clearWaiting(ctx context.Context, myID string) error {
	return s.identity.SetMode(ctx, myID, agentpoolstore.ModeWorking, agentpoolstore.Now(), 0, 0)
}

func (s *Service) touch(ctx context.Context, myID string, now float64) error {
	return s.identity.TouchRecv(ctx, myID, now)
}

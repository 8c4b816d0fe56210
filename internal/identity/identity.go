// Package identity implements the claim/heartbeat/rename business logic
// layered on store.Backend: candidate generation for 3-digit ids, the
// heartbeat loop, and name validation for rename, all serialized by a
// per-process mutex so a heartbeat write in flight can never resurrect a
// row a concurrent rename just moved away from.
package identity

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentpool/agentpool/internal/metrics"
	agentpoolstore "github.com/agentpool/agentpool/internal/store"
)

// maxClaimAttempts bounds the random-candidate search before giving up
// with ErrIDPoolExhausted. 999 candidate ids comfortably outnumber any
// realistic fleet size, so collisions should be rare well before this cap.
const maxClaimAttempts = 5000

// reservedNames may never be claimed via rename; no "leader inheritance"
// policy is implemented, so a stale holder of a reserved name still blocks
// it rather than being silently displaced.
var reservedNames = map[string]bool{
	"janitor": true,
	"leader":  true,
}

var validNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ErrInvalidName is returned by Rename for names failing validation or
// colliding with a reserved name.
var ErrInvalidName = errors.New("identity: invalid name")

// Service owns the current process's claimed id and serializes mutation of
// that row (heartbeat vs. rename) through mu.
type Service struct {
	backend      agentpoolstore.Backend
	logger       *zap.Logger
	heartbeatTTL time.Duration

	mu       sync.Mutex
	id       string
	pid      int
	hostname string

	metrics *metrics.Collector
}

// SetMetrics attaches a metrics collector. Optional: unset means Run's
// heartbeat loop simply skips recording.
func (s *Service) SetMetrics(c *metrics.Collector) { s.metrics = c }

// NewService constructs a Service bound to backend. The returned Service
// holds no claimed id until Claim succeeds.
func NewService(backend agentpoolstore.Backend, heartbeatTTL time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	hostname, _ := os.Hostname()
	return &Service{
		backend:      backend,
		logger:       logger.With(zap.String("component", "identity")),
		heartbeatTTL: heartbeatTTL,
		pid:          os.Getpid(),
		hostname:     hostname,
	}
}

// ID returns the currently claimed id, or "" if Claim has not succeeded.
func (s *Service) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Claim generates random 3-digit candidates in [001, 999] and attempts to
// atomically install an agent record at each, stopping at the first
// success. Returns store.ErrIDPoolExhausted after maxClaimAttempts.
func (s *Service) Claim(ctx context.Context) (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}

	now := agentpoolstore.Now()
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		candidate := fmt.Sprintf("%03d", rand.Intn(999)+1)
		err := s.backend.ClaimID(ctx, candidate, s.pid, s.hostname, cwd, now)
		if err == nil {
			s.mu.Lock()
			s.id = candidate
			s.mu.Unlock()
			s.logger.Info("claimed id", zap.String("id", candidate), zap.Int("attempts", attempt+1))
			return candidate, nil
		}
		if !errors.Is(err, agentpoolstore.ErrNameTaken) {
			return "", fmt.Errorf("identity: claim attempt failed: %w", err)
		}
	}
	return "", agentpoolstore.ErrIDPoolExhausted
}

// Heartbeat updates last_seen and cwd for the currently claimed id. No-op
// (returns nil) if no id is claimed yet.
func (s *Service) Heartbeat(ctx context.Context) error {
	s.mu.Lock()
	id := s.id
	s.mu.Unlock()
	if id == "" {
		return nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id != id {
		// A rename completed while we computed cwd; the in-flight
		// heartbeat is stale and must not resurrect the old row.
		return nil
	}
	return s.backend.Heartbeat(ctx, id, cwd, agentpoolstore.Now())
}

// Run starts the periodic heartbeat loop, returning when ctx is cancelled.
// Errors are logged, never propagated: a missed heartbeat degrades
// gracefully rather than killing the process.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.Heartbeat(ctx)
			if err != nil {
				s.logger.Warn("heartbeat failed", zap.Error(err))
			}
			if s.metrics != nil {
				if err != nil {
					s.metrics.RecordHeartbeat("error")
				} else {
					s.metrics.RecordHeartbeat("ok")
				}
			}
		}
	}
}

// Rename validates newName and, if acceptable, atomically moves the
// current id's row to it. Serialized against Heartbeat by mu so a
// concurrent heartbeat write cannot race the row move.
func (s *Service) Rename(ctx context.Context, newName string) error {
	if !validNamePattern.MatchString(newName) || reservedNames[newName] {
		return ErrInvalidName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	oldID := s.id
	if oldID == "" {
		return fmt.Errorf("identity: no id claimed yet")
	}
	if oldID == newName {
		return nil
	}

	err := s.backend.RenamePeer(ctx, oldID, newName, agentpoolstore.Now(), s.heartbeatTTL.Seconds())
	if err != nil {
		return err
	}
	s.id = newName
	s.logger.Info("renamed", zap.String("old_id", oldID), zap.String("new_id", newName))
	return nil
}

// Remove best-effort deletes the current session's own row on clean exit.
func (s *Service) Remove(ctx context.Context) error {
	s.mu.Lock()
	id := s.id
	s.mu.Unlock()
	if id == "" {
		return nil
	}
	return s.backend.RemovePeer(ctx, id)
}

// Hostname returns the process's hostname, for callers that need it
// (e.g. the leader's PID scan duty).
func (s *Service) Hostname() string { return s.hostname }

// PID returns the process id this service registered with.
func (s *Service) PID() int { return s.pid }

// SetMode transitions the currently claimed id's observable mode. Used by
// the receive loop to enter and leave the waiting state.
func (s *Service) SetMode(ctx context.Context, id string, mode agentpoolstore.Mode, now, recvDeadline float64, recvWaitSecs int) error {
	return s.backend.SetMode(ctx, id, mode, now, recvDeadline, recvWaitSecs)
}

// TouchRecv refreshes recv_last_touch for the currently claimed id
// mid-poll.
func (s *Service) TouchRecv(ctx context.Context, id string, now float64) error {
	return s.backend.TouchRecv(ctx, id, now)
}

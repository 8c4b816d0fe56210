package leader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentpool/agentpool/internal/message"
	"github.com/agentpool/agentpool/internal/presence"
	agentpoolstore "github.com/agentpool/agentpool/internal/store"
	"github.com/agentpool/agentpool/internal/store/mailboxbackend"
	"github.com/agentpool/agentpool/internal/store/sqlitebackend"
)

func alwaysAlive(int) bool { return true }

func newTestService(t *testing.T) (*Service, agentpoolstore.Backend) {
	t.Helper()
	root := t.TempDir()
	backend, err := sqlitebackend.Open(root, 1, 5000, agentpoolstore.DefaultRetryPolicy(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	view := presence.NewView(backend, 60*time.Second)
	msgSvc := message.NewService(backend, view, message.Config{
		MaxBatchChars: 4000, MaxScanRows: 200, LeaseTTL: 30 * time.Second, MessageTTL: 24 * time.Hour,
	}, zap.NewNop())

	cfg := Config{
		RenewEvery: time.Millisecond, LeaseTTL: 15 * time.Second,
		PIDScanEvery: 0, TTLReapEvery: 0, CheckpointEvery: time.Hour,
		HeartbeatTTL: 60 * time.Second,
	}
	svc := NewService(backend, view, msgSvc, cfg, DeadlockConfig{}, alwaysAlive, "host", 111, zap.NewNop())
	svc.SetSelfID("janitor")
	return svc, backend
}

func TestService_TickAcquiresLease(t *testing.T) {
	svc, _ := newTestService(t)
	svc.tick(context.Background())
	assert.True(t, svc.IsLeader())
}

func TestService_TickLosesLeaseToOtherOwner(t *testing.T) {
	svc, backend := newTestService(t)
	now := agentpoolstore.Now()
	require.NoError(t, backend.TryAcquireLease(context.Background(), "other", "otherhost", 222, 60, now))

	svc.tick(context.Background())
	assert.False(t, svc.IsLeader(), "lease already held by another non-expired owner")
}

func TestService_TickRunsJanitorDuties(t *testing.T) {
	svc, backend := newTestService(t)
	require.NoError(t, backend.ClaimID(context.Background(), "001", 100, "host", "/tmp", agentpoolstore.Now()))
	_, err := backend.Enqueue(context.Background(), "system", []string{"001"}, "old", agentpoolstore.Now()-1e7)
	require.NoError(t, err)

	svc.cfg.TTLReapEvery = 0
	svc.tick(context.Background())
	assert.True(t, svc.IsLeader())

	n, err := backend.PruneMessages(context.Background(), agentpoolstore.Now(), (24 * time.Hour).Seconds())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "the stale message should already have been pruned by the tick")
}

func TestService_TickForwardsOnOwnCadenceIndependentOfTTLReap(t *testing.T) {
	root := t.TempDir()
	backend, err := mailboxbackend.Open(root, 1, 5000, agentpoolstore.DefaultRetryPolicy(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	view := presence.NewView(backend, 60*time.Second)
	msgSvc := message.NewService(backend, view, message.Config{
		MaxBatchChars: 4000, MaxScanRows: 200, LeaseTTL: 30 * time.Second, MessageTTL: 24 * time.Hour,
	}, zap.NewNop())

	require.NoError(t, backend.ClaimID(context.Background(), "001", 100, "host", "/tmp", agentpoolstore.Now()))
	require.NoError(t, backend.ClaimID(context.Background(), "002", 101, "host", "/tmp", agentpoolstore.Now()))
	require.Contains(t, msgSvc.Send(context.Background(), "001", "002", "hi"), "Sent")

	// TTL reap has just run (lastTTLReap is now) and is not due again for
	// an hour; Forward must still run on this first tick because it has
	// its own independent ForwardEvery cadence.
	cfg := Config{
		RenewEvery: time.Millisecond, LeaseTTL: 15 * time.Second,
		PIDScanEvery: time.Hour, TTLReapEvery: time.Hour, ForwardEvery: 0,
		CheckpointEvery: time.Hour, HeartbeatTTL: 60 * time.Second,
	}
	svc := NewService(backend, view, msgSvc, cfg, DeadlockConfig{}, alwaysAlive, "host", 111, zap.NewNop())
	svc.SetSelfID("janitor")
	svc.lastTTLReap = time.Now()

	svc.tick(context.Background())
	assert.True(t, svc.IsLeader())

	batch, err := backend.Lease(context.Background(), "002", 4000, 200, 30, agentpoolstore.Now())
	require.NoError(t, err)
	require.Len(t, batch.Messages, 1, "Forward should have moved the message into 002's inbox on the first tick")
	assert.Equal(t, "hi", batch.Messages[0].Content)
}

func TestService_CheckDeadlockAlertsLeaderNamedAgent(t *testing.T) {
	svc, backend := newTestService(t)
	require.NoError(t, backend.ClaimID(context.Background(), "001", 100, "host", "/tmp", agentpoolstore.Now()))
	require.NoError(t, backend.ClaimID(context.Background(), "team-leader", 101, "host", "/tmp", agentpoolstore.Now()))
	require.NoError(t, backend.SetMode(context.Background(), "001", agentpoolstore.ModeWaiting, agentpoolstore.Now(), agentpoolstore.Now()+60, 60))
	require.NoError(t, backend.SetMode(context.Background(), "team-leader", agentpoolstore.ModeWaiting, agentpoolstore.Now(), agentpoolstore.Now()+60, 60))

	svc.deadlock = DeadlockConfig{Enabled: true, TriggerDelay: 0, WarnCooldown: time.Hour}
	svc.allWaitingSince = time.Now().Add(-time.Hour)

	svc.checkDeadlock(context.Background())

	batch, err := backend.Lease(context.Background(), "team-leader", 4000, 200, 30, agentpoolstore.Now())
	require.NoError(t, err)
	require.Len(t, batch.Messages, 1)
	assert.Equal(t, "system", batch.Messages[0].FromUser)
}

func TestService_CheckDeadlockNoopWhenNotAllWaiting(t *testing.T) {
	svc, backend := newTestService(t)
	require.NoError(t, backend.ClaimID(context.Background(), "001", 100, "host", "/tmp", agentpoolstore.Now()))
	require.NoError(t, backend.SetMode(context.Background(), "001", agentpoolstore.ModeWorking, agentpoolstore.Now(), 0, 0))

	svc.deadlock = DeadlockConfig{Enabled: true, TriggerDelay: 0, WarnCooldown: time.Hour}
	svc.checkDeadlock(context.Background())

	assert.True(t, svc.allWaitingSince.IsZero())
}

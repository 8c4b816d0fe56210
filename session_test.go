package agentpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentpool/agentpool/config"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Pool.Root = t.TempDir()
	cfg.Presence.HeartbeatInterval = 50 * time.Millisecond
	cfg.Presence.HeartbeatTTL = 5 * time.Second
	cfg.Leader.RenewEvery = 20 * time.Millisecond
	cfg.Leader.LeaseTTL = time.Second
	cfg.Deadlock.Enabled = false
	return cfg
}

func TestSession_ClaimSendRecv(t *testing.T) {
	ctx := context.Background()
	cfgA := newTestConfig(t)
	cfgB := *cfgA

	a, err := NewSession(ctx, cfgA, zap.NewNop())
	require.NoError(t, err)
	defer a.Close(ctx)
	idA, err := a.Claim(ctx)
	require.NoError(t, err)

	b, err := NewSession(ctx, &cfgB, zap.NewNop())
	require.NoError(t, err)
	defer b.Close(ctx)
	idB, err := b.Claim(ctx)
	require.NoError(t, err)
	require.NotEqual(t, idA, idB)

	result := a.Send(ctx, idB, "hi")
	assert.Regexp(t, `^Sent \(to 1 agent\(s\), id=[0-9a-f]{8}\)$`, result)

	out := b.Recv(ctx, 2)
	assert.Contains(t, out, "hi")
}

func TestSession_RenameInvalid(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	s, err := NewSession(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer s.Close(ctx)
	_, err = s.Claim(ctx)
	require.NoError(t, err)

	assert.Equal(t, "Invalid", s.Rename(ctx, "bad name!"))
	assert.Equal(t, "Invalid", s.Rename(ctx, "leader"))
	assert.Equal(t, "OK", s.Rename(ctx, "worker-one"))
}

func TestSession_GetStatusEmptyFleet(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	s, err := NewSession(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer s.Close(ctx)

	assert.Equal(t, "No active agents.", s.GetStatus(ctx))
}

func TestSession_GetStatusShowsThisFlag(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	s, err := NewSession(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer s.Close(ctx)
	id, err := s.Claim(ctx)
	require.NoError(t, err)

	out := s.GetStatus(ctx)
	assert.Contains(t, out, "Agent "+id)
	assert.Contains(t, out, "THIS")
	assert.Contains(t, out, "Working")
}

package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	agentpoolstore "github.com/agentpool/agentpool/internal/store"
	"github.com/agentpool/agentpool/internal/store/sqlitebackend"
)

func newTestBackend(t *testing.T) agentpoolstore.Backend {
	t.Helper()
	root := t.TempDir()
	backend, err := sqlitebackend.Open(root, 1, 5000, agentpoolstore.DefaultRetryPolicy(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func TestService_Claim(t *testing.T) {
	backend := newTestBackend(t)
	svc := NewService(backend, 60*time.Second, zap.NewNop())

	id, err := svc.Claim(context.Background())
	require.NoError(t, err)
	assert.Len(t, id, 3)
	assert.Equal(t, id, svc.ID())

	peer, err := backend.GetPeer(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, svc.PID(), peer.PID)
	assert.Equal(t, agentpoolstore.ModeWorking, peer.Mode)
}

func TestService_Claim_Concurrent_DistinctIDs(t *testing.T) {
	backend := newTestBackend(t)

	const n = 20
	ids := make(chan string, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			svc := NewService(backend, 60*time.Second, zap.NewNop())
			id, err := svc.Claim(context.Background())
			ids <- id
			errs <- err
		}()
	}

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
		id := <-ids
		assert.False(t, seen[id], "id %q claimed twice", id)
		seen[id] = true
	}
}

func TestService_Heartbeat_NoClaim_NoOp(t *testing.T) {
	backend := newTestBackend(t)
	svc := NewService(backend, 60*time.Second, zap.NewNop())
	assert.NoError(t, svc.Heartbeat(context.Background()))
}

func TestService_Heartbeat_UpdatesLastSeen(t *testing.T) {
	backend := newTestBackend(t)
	svc := NewService(backend, 60*time.Second, zap.NewNop())

	id, err := svc.Claim(context.Background())
	require.NoError(t, err)

	before, err := backend.GetPeer(context.Background(), id)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, svc.Heartbeat(context.Background()))

	after, err := backend.GetPeer(context.Background(), id)
	require.NoError(t, err)
	assert.Greater(t, after.LastSeen, before.LastSeen)
}

func TestService_Rename_Success(t *testing.T) {
	backend := newTestBackend(t)
	svc := NewService(backend, 60*time.Second, zap.NewNop())

	_, err := svc.Claim(context.Background())
	require.NoError(t, err)

	require.NoError(t, svc.Rename(context.Background(), "scout-1"))
	assert.Equal(t, "scout-1", svc.ID())

	_, err = backend.GetPeer(context.Background(), "scout-1")
	require.NoError(t, err)
}

func TestService_Rename_InvalidCharacters(t *testing.T) {
	backend := newTestBackend(t)
	svc := NewService(backend, 60*time.Second, zap.NewNop())
	_, err := svc.Claim(context.Background())
	require.NoError(t, err)

	err = svc.Rename(context.Background(), "not valid!")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestService_Rename_ReservedName(t *testing.T) {
	backend := newTestBackend(t)
	svc := NewService(backend, 60*time.Second, zap.NewNop())
	_, err := svc.Claim(context.Background())
	require.NoError(t, err)

	err = svc.Rename(context.Background(), "leader")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestService_Rename_NameTaken(t *testing.T) {
	backend := newTestBackend(t)

	svcA := NewService(backend, 60*time.Second, zap.NewNop())
	_, err := svcA.Claim(context.Background())
	require.NoError(t, err)

	svcB := NewService(backend, 60*time.Second, zap.NewNop())
	idB, err := svcB.Claim(context.Background())
	require.NoError(t, err)

	err = svcA.Rename(context.Background(), idB)
	assert.ErrorIs(t, err, agentpoolstore.ErrNameTaken)
}

func TestService_Remove(t *testing.T) {
	backend := newTestBackend(t)
	svc := NewService(backend, 60*time.Second, zap.NewNop())
	id, err := svc.Claim(context.Background())
	require.NoError(t, err)

	require.NoError(t, svc.Remove(context.Background()))

	_, err = backend.GetPeer(context.Background(), id)
	assert.ErrorIs(t, err, agentpoolstore.ErrNotFound)
}

func TestService_Run_StopsOnCancel(t *testing.T) {
	backend := newTestBackend(t)
	svc := NewService(backend, 60*time.Second, zap.NewNop())
	_, err := svc.Claim(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

package message

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentpool/agentpool/internal/presence"
	agentpoolstore "github.com/agentpool/agentpool/internal/store"
	"github.com/agentpool/agentpool/internal/store/sqlitebackend"
)

func newTestService(t *testing.T) (*Service, agentpoolstore.Backend) {
	t.Helper()
	root := t.TempDir()
	backend, err := sqlitebackend.Open(root, 1, 5000, agentpoolstore.DefaultRetryPolicy(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	view := presence.NewView(backend, 60*time.Second)
	cfg := Config{MaxBatchChars: 4000, MaxScanRows: 200, LeaseTTL: 30 * time.Second, MessageTTL: 24 * time.Hour}
	return NewService(backend, view, cfg, zap.NewNop()), backend
}

func claim(t *testing.T, backend agentpoolstore.Backend, id string) {
	t.Helper()
	require.NoError(t, backend.ClaimID(context.Background(), id, 100, "host", "/tmp", agentpoolstore.Now()))
}

func TestService_Send_Unicast(t *testing.T) {
	svc, backend := newTestService(t)
	claim(t, backend, "001")
	claim(t, backend, "002")

	result := svc.Send(context.Background(), "001", "002", "hi")
	assert.Regexp(t, `^Sent \(to 1 agent\(s\), id=[0-9a-f]{8}\)$`, result)
}

func TestService_Send_SelfRejected(t *testing.T) {
	svc, backend := newTestService(t)
	claim(t, backend, "001")

	result := svc.Send(context.Background(), "001", "001", "hi")
	assert.Equal(t, "Error: cannot send to self.", result)
}

func TestService_Send_OfflineRejected(t *testing.T) {
	svc, backend := newTestService(t)
	claim(t, backend, "001")

	result := svc.Send(context.Background(), "001", "999", "hi")
	assert.Equal(t, "Error: Agent '999' offline.", result)
}

func TestService_Send_BroadcastExcludesSender(t *testing.T) {
	svc, backend := newTestService(t)
	claim(t, backend, "001")
	claim(t, backend, "002")
	claim(t, backend, "003")

	result := svc.Send(context.Background(), "001", "all", "ping")
	assert.Regexp(t, `^Sent \(to 2 agent\(s\), id=[0-9a-f]{8}\)$`, result)

	batch, err := svc.Lease(context.Background(), "001")
	require.NoError(t, err)
	assert.Empty(t, batch.Messages, "sender must not receive its own broadcast")
}

func TestService_Send_BroadcastNoOtherAgents(t *testing.T) {
	svc, backend := newTestService(t)
	claim(t, backend, "001")

	result := svc.Send(context.Background(), "001", "all", "ping")
	assert.Equal(t, "No other agents online.", result)
}

func TestService_LeaseAckRelease(t *testing.T) {
	svc, backend := newTestService(t)
	claim(t, backend, "001")
	claim(t, backend, "002")

	svc.Send(context.Background(), "001", "002", "hi")

	batch, err := svc.Lease(context.Background(), "002")
	require.NoError(t, err)
	require.Len(t, batch.Messages, 1)

	ids := []string{batch.Messages[0].MsgID}
	require.NoError(t, svc.Release(context.Background(), "002", ids))

	again, err := svc.Lease(context.Background(), "002")
	require.NoError(t, err)
	require.Len(t, again.Messages, 1, "released message must be re-leasable")

	require.NoError(t, svc.Ack(context.Background(), "002", ids))

	empty, err := svc.Lease(context.Background(), "002")
	require.NoError(t, err)
	assert.Empty(t, empty.Messages, "acked message must not be redelivered")
}

func TestService_PruneMessages(t *testing.T) {
	svc, backend := newTestService(t)
	claim(t, backend, "001")
	claim(t, backend, "002")

	_, err := backend.Enqueue(context.Background(), "001", []string{"002"}, "old", agentpoolstore.Now()-100000)
	require.NoError(t, err)

	n, err := svc.PruneMessages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

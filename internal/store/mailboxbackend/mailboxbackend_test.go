package mailboxbackend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	agentpoolstore "github.com/agentpool/agentpool/internal/store"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	root := t.TempDir()
	b, err := Open(root, 1, 5000, agentpoolstore.DefaultRetryPolicy(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func claimPeer(t *testing.T, b *Backend, id string) {
	t.Helper()
	require.NoError(t, b.ClaimID(context.Background(), id, 100, "host", "/tmp", agentpoolstore.Now()))
}

func TestBackend_EnqueueLeaseAckRelease(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	claimPeer(t, b, "001")
	claimPeer(t, b, "002")

	_, err := b.Enqueue(ctx, "001", []string{"002"}, "hi", agentpoolstore.Now())
	require.NoError(t, err)

	// message starts in the sender's outbox, not yet visible to the
	// recipient until a Forward pass moves it.
	batch, err := b.Lease(ctx, "002", 4000, 200, 30, agentpoolstore.Now())
	require.NoError(t, err)
	assert.Empty(t, batch.Messages)

	n, err := b.Forward(ctx, 50, agentpoolstore.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	batch, err = b.Lease(ctx, "002", 4000, 200, 30, agentpoolstore.Now())
	require.NoError(t, err)
	require.Len(t, batch.Messages, 1)
	assert.Equal(t, "hi", batch.Messages[0].Content)
	assert.Equal(t, agentpoolstore.MessageInflight, batch.Messages[0].State)

	msgID := batch.Messages[0].MsgID

	// leased rows are gone from the queue until acked or released.
	empty, err := b.Lease(ctx, "002", 4000, 200, 30, agentpoolstore.Now())
	require.NoError(t, err)
	assert.Empty(t, empty.Messages)

	require.NoError(t, b.Release(ctx, "002", []string{msgID}))
	requeued, err := b.Lease(ctx, "002", 4000, 200, 30, agentpoolstore.Now())
	require.NoError(t, err)
	require.Len(t, requeued.Messages, 1)

	require.NoError(t, b.Ack(ctx, "002", []string{msgID}))
	gone, err := b.Lease(ctx, "002", 4000, 200, 30, agentpoolstore.Now())
	require.NoError(t, err)
	assert.Empty(t, gone.Messages)
}

func TestBackend_ForwardFanOutToManyRecipients(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	claimPeer(t, b, "001")
	for _, id := range []string{"002", "003", "004"} {
		claimPeer(t, b, id)
	}

	_, err := b.Enqueue(ctx, "001", []string{"002", "003", "004"}, "broadcast", agentpoolstore.Now())
	require.NoError(t, err)

	n, err := b.Forward(ctx, 50, agentpoolstore.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, id := range []string{"002", "003", "004"} {
		batch, err := b.Lease(ctx, id, 4000, 200, 30, agentpoolstore.Now())
		require.NoError(t, err)
		require.Len(t, batch.Messages, 1, "recipient %s should have received the broadcast", id)
	}
}

func TestBackend_TryAcquireLease(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	now := agentpoolstore.Now()
	require.NoError(t, b.TryAcquireLease(ctx, "001", "host", 100, 45, now))

	lease, err := b.CurrentLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "001", lease.OwnerID)

	// a second owner can't steal an unexpired lease.
	err = b.TryAcquireLease(ctx, "002", "host", 200, 45, now)
	assert.ErrorIs(t, err, agentpoolstore.ErrLeaseStolen)

	// but can once it's expired.
	require.NoError(t, b.TryAcquireLease(ctx, "002", "host", 200, 45, now+46))
	lease, err = b.CurrentLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "002", lease.OwnerID)
}

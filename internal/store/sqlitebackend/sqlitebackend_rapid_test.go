package sqlitebackend

import (
	"context"
	"fmt"
	"testing"

	"go.uber.org/zap"
	"pgregory.net/rapid"

	agentpoolstore "github.com/agentpool/agentpool/internal/store"
)

func newRapidBackend(t *testing.T, rt *rapid.T) *Backend {
	root := t.TempDir()
	b, err := Open(root, 1, 5000, agentpoolstore.DefaultRetryPolicy(), zap.NewNop())
	if err != nil {
		rt.Fatalf("open backend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// TestProperty_LeaseRecovery checks the crash-recovery invariant: after a
// leased batch's lease expires, the rows become re-leasable with no loss,
// however many messages were in flight.
func TestProperty_LeaseRecovery(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 30).Draw(rt, "n")
		leaseTTL := rapid.Float64Range(1, 120).Draw(rt, "leaseTTL")

		ctx := context.Background()
		b := newRapidBackend(t, rt)
		if err := b.ClaimID(ctx, "src", 1, "host", "/tmp", agentpoolstore.Now()); err != nil {
			rt.Fatalf("claim src: %v", err)
		}
		if err := b.ClaimID(ctx, "dst", 2, "host", "/tmp", agentpoolstore.Now()); err != nil {
			rt.Fatalf("claim dst: %v", err)
		}

		base := agentpoolstore.Now()
		for i := 0; i < n; i++ {
			if _, err := b.Enqueue(ctx, "src", []string{"dst"}, fmt.Sprintf("m%d", i), base); err != nil {
				rt.Fatalf("enqueue %d: %v", i, err)
			}
		}

		batch, err := b.Lease(ctx, "dst", 1<<20, 10000, leaseTTL, base)
		if err != nil {
			rt.Fatalf("initial lease: %v", err)
		}
		if len(batch.Messages) != n {
			rt.Fatalf("expected %d leased messages, got %d", n, len(batch.Messages))
		}

		// "crash": never ack. Before the lease expires, nothing is
		// re-leasable.
		stillLeased, err := b.Lease(ctx, "dst", 1<<20, 10000, leaseTTL, base+leaseTTL-0.001)
		if err != nil {
			rt.Fatalf("pre-expiry lease: %v", err)
		}
		if len(stillLeased.Messages) != 0 {
			rt.Fatalf("expected 0 re-leasable before expiry, got %d", len(stillLeased.Messages))
		}

		// Past the lease deadline, every row recovers exactly once.
		recovered, err := b.Lease(ctx, "dst", 1<<20, 10000, leaseTTL, base+leaseTTL+0.001)
		if err != nil {
			rt.Fatalf("post-expiry lease: %v", err)
		}
		if len(recovered.Messages) != n {
			rt.Fatalf("expected %d recovered messages, got %d", n, len(recovered.Messages))
		}
	})
}

// TestProperty_FIFOOrdering checks the per-sender FIFO invariant: if A sends
// m1 before m2 to B, B's lease returns them in send order.
func TestProperty_FIFOOrdering(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 50).Draw(rt, "n")

		ctx := context.Background()
		b := newRapidBackend(t, rt)
		if err := b.ClaimID(ctx, "src", 1, "host", "/tmp", agentpoolstore.Now()); err != nil {
			rt.Fatalf("claim src: %v", err)
		}
		if err := b.ClaimID(ctx, "dst", 2, "host", "/tmp", agentpoolstore.Now()); err != nil {
			rt.Fatalf("claim dst: %v", err)
		}

		base := agentpoolstore.Now()
		want := make([]string, n)
		for i := 0; i < n; i++ {
			content := fmt.Sprintf("msg-%03d", i)
			want[i] = content
			// strictly increasing ts, matching real send-call spacing.
			if _, err := b.Enqueue(ctx, "src", []string{"dst"}, content, base+float64(i)); err != nil {
				rt.Fatalf("enqueue %d: %v", i, err)
			}
		}

		batch, err := b.Lease(ctx, "dst", 1<<20, 10000, 30, base+float64(n))
		if err != nil {
			rt.Fatalf("lease: %v", err)
		}
		if len(batch.Messages) != n {
			rt.Fatalf("expected %d messages, got %d", n, len(batch.Messages))
		}
		for i, m := range batch.Messages {
			if m.Content != want[i] {
				rt.Fatalf("position %d: want %q, got %q (FIFO violated)", i, want[i], m.Content)
			}
		}
	})
}

// Package presence implements the read-only projection over a
// store.Backend: who is online, and for how long, with their current mode.
package presence

import (
	"context"
	"time"

	"github.com/agentpool/agentpool/internal/cache"
	agentpoolstore "github.com/agentpool/agentpool/internal/store"
)

// onlineCacheKey is fixed: one pool has one online-set, so there is
// nothing to vary it by.
const onlineCacheKey = "presence:online"

// View exposes the presence projection over a backend.
type View struct {
	backend      agentpoolstore.Backend
	heartbeatTTL time.Duration
	cache        *cache.Manager
	cacheTTL     time.Duration
}

// NewView constructs a View bound to backend.
func NewView(backend agentpoolstore.Backend, heartbeatTTL time.Duration) *View {
	return &View{backend: backend, heartbeatTTL: heartbeatTTL}
}

// SetCache attaches an optional read cache for ListOnline. ttl <= 0 falls
// back to the cache manager's own default TTL.
func (v *View) SetCache(c *cache.Manager, ttl time.Duration) {
	v.cache = c
	v.cacheTTL = ttl
}

// Peer is an online peer annotated with derived, display-ready fields.
type Peer struct {
	agentpoolstore.Peer
	ModeAge time.Duration
}

// ListOnline returns every peer with last_seen within heartbeatTTL of now,
// ordered by id ascending, each annotated with its current mode's age. If a
// read cache is attached, a cache hit skips the backend query entirely;
// ModeAge is recomputed against the current now either way, so a cached
// entry never reports a stale age.
func (v *View) ListOnline(ctx context.Context) ([]Peer, error) {
	now := agentpoolstore.Now()

	if v.cache != nil {
		var cached []agentpoolstore.Peer
		if err := v.cache.GetJSON(ctx, onlineCacheKey, &cached); err == nil {
			return annotate(cached, now), nil
		}
	}

	rows, err := v.backend.ListOnline(ctx, now, v.heartbeatTTL.Seconds())
	if err != nil {
		return nil, err
	}

	if v.cache != nil {
		_ = v.cache.SetJSON(ctx, onlineCacheKey, rows, v.cacheTTL)
	}

	return annotate(rows, now), nil
}

func annotate(rows []agentpoolstore.Peer, now float64) []Peer {
	out := make([]Peer, len(rows))
	for i, row := range rows {
		out[i] = Peer{
			Peer:    row,
			ModeAge: time.Duration((now - row.ModeSince) * float64(time.Second)),
		}
	}
	return out
}

// IsOnline reports whether id is currently within heartbeatTTL of now.
func (v *View) IsOnline(ctx context.Context, id string) (bool, error) {
	peer, err := v.backend.GetPeer(ctx, id)
	if err != nil {
		if err == agentpoolstore.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	now := agentpoolstore.Now()
	return now-peer.LastSeen <= v.heartbeatTTL.Seconds(), nil
}

// AllOnlineWaiting reports whether every currently online peer is in
// ModeWaiting — the precondition for the deadlock alert. An empty fleet is
// not considered all-waiting.
func (v *View) AllOnlineWaiting(ctx context.Context) (bool, error) {
	peers, err := v.ListOnline(ctx)
	if err != nil {
		return false, err
	}
	if len(peers) == 0 {
		return false, nil
	}
	for _, p := range peers {
		if p.Mode != agentpoolstore.ModeWaiting {
			return false, nil
		}
	}
	return true, nil
}

package redisbackend

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	agentpoolstore "github.com/agentpool/agentpool/internal/store"
)

// ClaimID implements store.Backend.ClaimID. A WATCH on the peer key gives
// the same conditional-update guarantee as the SQLite backend's "WHERE
// id=? AND last_seen=?" update: if another claimant writes the row between
// our read and our EXEC, the transaction aborts and we report ErrNameTaken
// rather than silently overwriting it.
func (b *Backend) ClaimID(ctx context.Context, id string, pid int, hostname, cwd string, now float64) error {
	key := peerKey(id)
	newPeer := agentpoolstore.Peer{ID: id, PID: pid, Hostname: hostname, CWD: cwd, LastSeen: now, Mode: agentpoolstore.ModeWorking, ModeSince: now}

	return b.withRetry(ctx, "ClaimID", func() error {
		err := b.client.Watch(ctx, func(tx *redis.Tx) error {
			_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.HSet(ctx, key, encodePeer(newPeer))
				p.ZAdd(ctx, keyPeerIndex, redis.Z{Score: now, Member: id})
				return nil
			})
			return err
		}, key)
		if err == redis.TxFailedErr {
			return agentpoolstore.ErrNameTaken
		}
		return err
	})
}

// Heartbeat implements store.Backend.Heartbeat.
func (b *Backend) Heartbeat(ctx context.Context, id, cwd string, now float64) error {
	return b.withRetry(ctx, "Heartbeat", func() error {
		key := peerKey(id)
		pipe := b.client.TxPipeline()
		pipe.HSet(ctx, key, map[string]any{"last_seen": now, "cwd": cwd})
		pipe.ZAdd(ctx, keyPeerIndex, redis.Z{Score: now, Member: id})
		_, err := pipe.Exec(ctx)
		return err
	})
}

// RenamePeer implements store.Backend.RenamePeer.
func (b *Backend) RenamePeer(ctx context.Context, oldID, newID string, now, heartbeatTTL float64) error {
	return b.withRetry(ctx, "RenamePeer", func() error {
		oldKey, newKey := peerKey(oldID), peerKey(newID)
		return b.client.Watch(ctx, func(tx *redis.Tx) error {
			target, err := tx.HGetAll(ctx, newKey).Result()
			if err != nil {
				return err
			}
			if len(target) > 0 {
				peer, _ := decodePeer(target)
				if now-peer.LastSeen <= heartbeatTTL {
					return agentpoolstore.ErrNameTaken
				}
			}

			src, err := tx.HGetAll(ctx, oldKey).Result()
			if err != nil {
				return err
			}
			if len(src) == 0 {
				return fmt.Errorf("rename: source id %q not found", oldID)
			}

			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Del(ctx, newKey)
				p.HSet(ctx, newKey, src)
				p.HSet(ctx, newKey, "id", newID)
				p.ZRem(ctx, keyPeerIndex, newID)
				p.ZAdd(ctx, keyPeerIndex, redis.Z{Score: now, Member: newID})
				p.Del(ctx, oldKey)
				p.ZRem(ctx, keyPeerIndex, oldID)
				return nil
			})
			return err
		}, oldKey, newKey)
	})
}

// RemovePeer implements store.Backend.RemovePeer.
func (b *Backend) RemovePeer(ctx context.Context, id string) error {
	return b.withRetry(ctx, "RemovePeer", func() error {
		pipe := b.client.TxPipeline()
		pipe.Del(ctx, peerKey(id))
		pipe.ZRem(ctx, keyPeerIndex, id)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// GetPeer implements store.Backend.GetPeer.
func (b *Backend) GetPeer(ctx context.Context, id string) (agentpoolstore.Peer, error) {
	fields, err := b.client.HGetAll(ctx, peerKey(id)).Result()
	if err != nil {
		return agentpoolstore.Peer{}, err
	}
	return decodePeer(fields)
}

// SetMode implements store.Backend.SetMode.
func (b *Backend) SetMode(ctx context.Context, id string, mode agentpoolstore.Mode, now float64, recvDeadline float64, recvWaitSecs int) error {
	return b.withRetry(ctx, "SetMode", func() error {
		fields := map[string]any{"mode": string(mode), "mode_since": now}
		if mode == agentpoolstore.ModeWaiting {
			fields["recv_started"] = now
			fields["recv_deadline"] = recvDeadline
			fields["recv_wait_seconds"] = recvWaitSecs
			fields["recv_last_touch"] = now
		}
		return b.client.HSet(ctx, peerKey(id), fields).Err()
	})
}

// TouchRecv implements store.Backend.TouchRecv.
func (b *Backend) TouchRecv(ctx context.Context, id string, now float64) error {
	return b.withRetry(ctx, "TouchRecv", func() error {
		return b.client.HSet(ctx, peerKey(id), "recv_last_touch", now).Err()
	})
}

// ListOnline implements store.Backend.ListOnline.
func (b *Backend) ListOnline(ctx context.Context, now, heartbeatTTL float64) ([]agentpoolstore.Peer, error) {
	ids, err := b.client.ZRangeByScore(ctx, keyPeerIndex, &redis.ZRangeBy{
		Min: fmtFloat(now - heartbeatTTL),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	peers := make([]agentpoolstore.Peer, 0, len(ids))
	for _, id := range ids {
		fields, err := b.client.HGetAll(ctx, peerKey(id)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		peer, err := decodePeer(fields)
		if err != nil {
			continue
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

package redisbackend

import (
	"context"

	"github.com/redis/go-redis/v9"

	agentpoolstore "github.com/agentpool/agentpool/internal/store"
)

type leaseFields struct {
	OwnerID    string  `json:"owner_id"`
	Host       string  `json:"host"`
	PID        int     `json:"pid"`
	LeaseUntil float64 `json:"lease_until"`
	UpdatedAt  float64 `json:"updated_at"`
}

// TryAcquireLease implements store.Backend.TryAcquireLease. The lease row
// lives at a single key; a WATCH-guarded transaction gives the same
// conditional-update semantics as the SQL backends' "lease_until < ? OR
// owner_id = ?" update.
func (b *Backend) TryAcquireLease(ctx context.Context, myID, host string, pid int, leaseTTL, now float64) error {
	return b.withRetry(ctx, "TryAcquireLease", func() error {
		err := b.client.Watch(ctx, func(tx *redis.Tx) error {
			fields, err := tx.HGetAll(ctx, keyLeaderLease).Result()
			if err != nil {
				return err
			}
			if len(fields) > 0 {
				cur := decodeLease(fields)
				if cur.LeaseUntil >= now && cur.OwnerID != myID {
					return agentpoolstore.ErrLeaseStolen
				}
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.HSet(ctx, keyLeaderLease, map[string]any{
					"owner_id": myID, "host": host, "pid": pid,
					"lease_until": now + leaseTTL, "updated_at": now,
				})
				return nil
			})
			return err
		}, keyLeaderLease)
		if err == redis.TxFailedErr {
			return agentpoolstore.ErrLeaseStolen
		}
		return err
	})
}

func decodeLease(fields map[string]string) leaseFields {
	var lf leaseFields
	if v, ok := fields["owner_id"]; ok {
		lf.OwnerID = v
	}
	if v, ok := fields["host"]; ok {
		lf.Host = v
	}
	lf.PID = atoiField(fields, "pid")
	lf.LeaseUntil = atofField(fields, "lease_until")
	lf.UpdatedAt = atofField(fields, "updated_at")
	return lf
}

// CurrentLease implements store.Backend.CurrentLease.
func (b *Backend) CurrentLease(ctx context.Context) (agentpoolstore.LeaderLease, error) {
	fields, err := b.client.HGetAll(ctx, keyLeaderLease).Result()
	if err != nil {
		return agentpoolstore.LeaderLease{}, err
	}
	if len(fields) == 0 {
		return agentpoolstore.LeaderLease{}, agentpoolstore.ErrNotFound
	}
	lf := decodeLease(fields)
	return agentpoolstore.LeaderLease{
		OwnerID: lf.OwnerID, Host: lf.Host, PID: lf.PID,
		LeaseUntil: lf.LeaseUntil, UpdatedAt: lf.UpdatedAt,
	}, nil
}

// PIDScanReap implements store.Backend.PIDScanReap. Redis has no notion of
// "this host" grouping beyond what's stored on the peer hash, so this scans
// the full peer index and filters by hostname client-side.
func (b *Backend) PIDScanReap(ctx context.Context, host, selfID string, isAlive func(pid int) bool) (int, error) {
	ids, err := b.client.ZRange(ctx, keyPeerIndex, 0, -1).Result()
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, id := range ids {
		if id == selfID {
			continue
		}
		fields, err := b.client.HGetAll(ctx, peerKey(id)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		peer, err := decodePeer(fields)
		if err != nil || peer.Hostname != host {
			continue
		}
		if isAlive(peer.PID) {
			continue
		}
		err = b.withRetry(ctx, "PIDScanReap.delete", func() error {
			pipe := b.client.TxPipeline()
			pipe.Del(ctx, peerKey(id))
			pipe.ZRem(ctx, keyPeerIndex, id)
			_, err := pipe.Exec(ctx)
			return err
		})
		if err != nil {
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

// TTLReap implements store.Backend.TTLReap.
func (b *Backend) TTLReap(ctx context.Context, now, heartbeatTTL float64) (int, error) {
	stale, err := b.client.ZRangeByScore(ctx, keyPeerIndex, &redis.ZRangeBy{
		Min: "-inf", Max: fmtFloat(now - heartbeatTTL),
	}).Result()
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, id := range stale {
		err := b.withRetry(ctx, "TTLReap.delete", func() error {
			pipe := b.client.TxPipeline()
			pipe.Del(ctx, peerKey(id))
			pipe.ZRem(ctx, keyPeerIndex, id)
			_, err := pipe.Exec(ctx)
			return err
		})
		if err != nil {
			return reaped, err
		}
		reaped++
	}

	online, err := b.client.ZRangeByScore(ctx, keyPeerIndex, &redis.ZRangeBy{
		Min: fmtFloat(now - heartbeatTTL), Max: "+inf",
	}).Result()
	if err != nil {
		return reaped, nil
	}
	for _, id := range online {
		fields, err := b.client.HGetAll(ctx, peerKey(id)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		peer, err := decodePeer(fields)
		if err != nil {
			continue
		}
		if peer.Mode == agentpoolstore.ModeWaiting && peer.RecvDeadline < now {
			_ = b.client.HSet(ctx, peerKey(id), map[string]any{
				"mode": string(agentpoolstore.ModeWorking), "mode_since": now,
			}).Err()
		}
		if _, err := b.RecoverExpiredLeases(ctx, id, now); err != nil {
			return reaped, err
		}
	}

	return reaped, nil
}

// Checkpoint is a no-op for Redis: there is no WAL file to truncate.
func (b *Backend) Checkpoint(ctx context.Context) error {
	return nil
}

// Forward is a no-op for Redis: messages are enqueued directly onto the
// recipient's queue, so there is no per-sender outbox to relocate.
func (b *Backend) Forward(ctx context.Context, forwardBatch int, now float64) (int, error) {
	return 0, nil
}

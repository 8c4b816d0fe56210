package sqlitebackend

import (
	"context"

	"gorm.io/gorm"

	agentpoolstore "github.com/agentpool/agentpool/internal/store"
)

// TryAcquireLease implements store.Backend.TryAcquireLease.
func (b *Backend) TryAcquireLease(ctx context.Context, myID, host string, pid int, leaseTTL, now float64) error {
	return b.withRetry(ctx, "TryAcquireLease", func() error {
		return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var row leaderLeaseRow
			err := tx.Where("lease_key = ?", leaderLeaseKey).First(&row).Error
			if err == gorm.ErrRecordNotFound {
				return tx.Create(&leaderLeaseRow{
					Key: leaderLeaseKey, OwnerID: myID, Host: host, PID: pid,
					LeaseUntil: now + leaseTTL, UpdatedAt: now,
				}).Error
			}
			if err != nil {
				return err
			}

			res := tx.Model(&leaderLeaseRow{}).
				Where("lease_key = ? AND (lease_until < ? OR owner_id = ?)", leaderLeaseKey, now, myID).
				Updates(map[string]any{
					"owner_id": myID, "host": host, "pid": pid,
					"lease_until": now + leaseTTL, "updated_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return agentpoolstore.ErrLeaseStolen
			}
			return nil
		})
	})
}

// CurrentLease implements store.Backend.CurrentLease.
func (b *Backend) CurrentLease(ctx context.Context) (agentpoolstore.LeaderLease, error) {
	var row leaderLeaseRow
	err := b.db.WithContext(ctx).Where("lease_key = ?", leaderLeaseKey).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return agentpoolstore.LeaderLease{}, agentpoolstore.ErrNotFound
	}
	if err != nil {
		return agentpoolstore.LeaderLease{}, err
	}
	return agentpoolstore.LeaderLease{
		OwnerID: row.OwnerID, Host: row.Host, PID: row.PID,
		LeaseUntil: row.LeaseUntil, UpdatedAt: row.UpdatedAt,
	}, nil
}

// PIDScanReap implements store.Backend.PIDScanReap.
func (b *Backend) PIDScanReap(ctx context.Context, host, selfID string, isAlive func(pid int) bool) (int, error) {
	var rows []peerRow
	err := b.db.WithContext(ctx).Where("hostname = ? AND id <> ?", host, selfID).Find(&rows).Error
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, row := range rows {
		if isAlive(row.PID) {
			continue
		}
		err := b.withRetry(ctx, "PIDScanReap.delete", func() error {
			return b.db.WithContext(ctx).Where("id = ?", row.ID).Delete(&peerRow{}).Error
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
	var reaped int64

	err := b.withRetry(ctx, "TTLReap.peers", func() error {
		res := b.db.WithContext(ctx).Where("last_seen < ?", now-heartbeatTTL).Delete(&peerRow{})
		reaped = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, err
	}

	err = b.withRetry(ctx, "TTLReap.waiting_clear", func() error {
		return b.db.WithContext(ctx).Model(&peerRow{}).
			Where("mode = ? AND recv_deadline < ?", string(agentpoolstore.ModeWaiting), now).
			Updates(map[string]any{"mode": string(agentpoolstore.ModeWorking), "mode_since": now}).Error
	})
	if err != nil {
		return int(reaped), err
	}

	err = b.withRetry(ctx, "TTLReap.expired_leases", func() error {
		return b.db.WithContext(ctx).Model(&messageRow{}).
			Where("state = ? AND lease_until < ?", string(agentpoolstore.MessageInflight), now).
			Updates(map[string]any{"state": string(agentpoolstore.MessageQueued), "lease_owner": ""}).Error
	})
	return int(reaped), err
}

// Checkpoint implements store.Backend.Checkpoint, running SQLite's WAL
// checkpoint + optimize pass.
func (b *Backend) Checkpoint(ctx context.Context) error {
	return b.withRetry(ctx, "Checkpoint", func() error {
		if err := b.db.WithContext(ctx).Exec("PRAGMA wal_checkpoint(TRUNCATE)").Error; err != nil {
			return err
		}
		return b.db.WithContext(ctx).Exec("PRAGMA optimize").Error
	})
}

// Forward is a no-op for the shared-store backend: broadcast/unicast fan
// out at Enqueue time, so there is no outbox to forward. Per-agent
// mailboxes only exist in mailboxbackend.
func (b *Backend) Forward(ctx context.Context, forwardBatch int, now float64) (int, error) {
	return 0, nil
}

package mailboxbackend

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	agentpoolstore "github.com/agentpool/agentpool/internal/store"
)

// TryAcquireLease implements store.Backend.TryAcquireLease against the
// control database.
func (b *Backend) TryAcquireLease(ctx context.Context, myID, host string, pid int, leaseTTL, now float64) error {
	return b.withRetry(ctx, "TryAcquireLease", func() error {
		return b.control.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
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
	err := b.control.WithContext(ctx).Where("lease_key = ?", leaderLeaseKey).First(&row).Error
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
	err := b.control.WithContext(ctx).Where("hostname = ? AND id <> ?", host, selfID).Find(&rows).Error
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, row := range rows {
		if isAlive(row.PID) {
			continue
		}
		err := b.withRetry(ctx, "PIDScanReap.delete", func() error {
			return b.control.WithContext(ctx).Where("id = ?", row.ID).Delete(&peerRow{}).Error
		})
		if err != nil {
			return reaped, err
		}
		b.mailboxes.Evict(row.ID)
		reaped++
	}
	return reaped, nil
}

// TTLReap implements store.Backend.TTLReap.
func (b *Backend) TTLReap(ctx context.Context, now, heartbeatTTL float64) (int, error) {
	var reaped int64

	var stale []peerRow
	if err := b.control.WithContext(ctx).Where("last_seen < ?", now-heartbeatTTL).Find(&stale).Error; err != nil {
		return 0, err
	}

	err := b.withRetry(ctx, "TTLReap.peers", func() error {
		res := b.control.WithContext(ctx).Where("last_seen < ?", now-heartbeatTTL).Delete(&peerRow{})
		reaped = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, err
	}
	for _, row := range stale {
		b.mailboxes.Evict(row.ID)
	}

	err = b.withRetry(ctx, "TTLReap.waiting_clear", func() error {
		return b.control.WithContext(ctx).Model(&peerRow{}).
			Where("mode = ? AND recv_deadline < ?", string(agentpoolstore.ModeWaiting), now).
			Updates(map[string]any{"mode": string(agentpoolstore.ModeWorking), "mode_since": now}).Error
	})
	if err != nil {
		return int(reaped), err
	}

	ids, err := b.knownAgentIDs()
	if err != nil {
		return int(reaped), err
	}
	for _, id := range ids {
		db, err := b.mailboxDB(id)
		if err != nil {
			continue
		}
		_ = b.withRetry(ctx, "TTLReap.expired_leases", func() error {
			return db.WithContext(ctx).Model(&inboxRow{}).
				Where("state = ? AND lease_until < ?", string(agentpoolstore.MessageInflight), now).
				Updates(map[string]any{"state": string(agentpoolstore.MessageQueued), "lease_owner": ""}).Error
		})
	}

	return int(reaped), nil
}

// Checkpoint runs a WAL checkpoint against the control database and every
// known agent mailbox.
func (b *Backend) Checkpoint(ctx context.Context) error {
	if err := b.control.WithContext(ctx).Exec("PRAGMA wal_checkpoint(TRUNCATE)").Error; err != nil {
		return err
	}
	ids, err := b.knownAgentIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		db, err := b.mailboxDB(id)
		if err != nil {
			continue
		}
		_ = db.WithContext(ctx).Exec("PRAGMA wal_checkpoint(TRUNCATE)").Error
		_ = db.WithContext(ctx).Exec("PRAGMA optimize").Error
	}
	return nil
}

// forwardConcurrency bounds how many target mailbox handles Forward opens
// and writes to at once via errgroup.Group.SetLimit. Each delivery is an
// independent gorm connection acquired from the mailbox handle pool, so
// unbounded fan-out across a large fleet would thrash that pool.
const forwardConcurrency = 8

// Forward implements store.Backend.Forward: for every
// known sender, move their oldest <= forwardBatch outbox rows into each
// target's inbox, then delete them from the outbox. Deliveries to
// distinct targets run concurrently, bounded by forwardConcurrency.
func (b *Backend) Forward(ctx context.Context, forwardBatch int, now float64) (int, error) {
	ids, err := b.knownAgentIDs()
	if err != nil {
		return 0, err
	}

	total := 0
	for _, senderID := range ids {
		senderDB, err := b.mailboxDB(senderID)
		if err != nil {
			continue
		}

		var rows []outboxRow
		err = b.withRetry(ctx, "Forward.select", func() error {
			return senderDB.WithContext(ctx).Order("ts ASC").Limit(forwardBatch).Find(&rows).Error
		})
		if err != nil || len(rows) == 0 {
			continue
		}

		var mu sync.Mutex
		delivered := make([]string, 0, len(rows))
		var group errgroup.Group
		group.SetLimit(forwardConcurrency)
		for _, row := range rows {
			row := row
			group.Go(func() error {
				targetDB, err := b.mailboxDB(row.ToUser)
				if err != nil {
					return nil
				}
				err = b.withRetry(ctx, "Forward.deliver", func() error {
					return targetDB.WithContext(ctx).Create(&inboxRow{
						MsgID: row.MsgID, TS: row.TS, FromUser: row.FromUser, ToUser: row.ToUser,
						Content: row.Content, State: string(agentpoolstore.MessageQueued),
					}).Error
				})
				if err != nil {
					return nil
				}
				mu.Lock()
				delivered = append(delivered, row.MsgID)
				total++
				mu.Unlock()
				return nil
			})
		}
		_ = group.Wait()

		if len(delivered) > 0 {
			_ = b.withRetry(ctx, "Forward.drain_outbox", func() error {
				return senderDB.WithContext(ctx).Where("msg_id IN ?", delivered).Delete(&outboxRow{}).Error
			})
		}
	}

	return total, nil
}

// SchemaVersion is defined in mailbox.go.

package mailboxbackend

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	agentpoolstore "github.com/agentpool/agentpool/internal/store"
)

// ClaimID implements store.Backend.ClaimID against the control database.
func (b *Backend) ClaimID(ctx context.Context, id string, pid int, hostname, cwd string, now float64) error {
	return b.withRetry(ctx, "ClaimID", func() error {
		return b.control.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var existing peerRow
			err := tx.Where("id = ?", id).First(&existing).Error
			switch {
			case err == gorm.ErrRecordNotFound:
				return tx.Create(&peerRow{
					ID: id, PID: pid, Hostname: hostname, CWD: cwd,
					LastSeen: now, Mode: string(agentpoolstore.ModeWorking), ModeSince: now,
				}).Error
			case err != nil:
				return err
			}

			res := tx.Model(&peerRow{}).
				Where("id = ? AND last_seen = ?", id, existing.LastSeen).
				Updates(map[string]any{
					"pid": pid, "hostname": hostname, "cwd": cwd,
					"last_seen": now, "mode": string(agentpoolstore.ModeWorking), "mode_since": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return agentpoolstore.ErrNameTaken
			}
			return nil
		})
	})
}

// Heartbeat implements store.Backend.Heartbeat.
func (b *Backend) Heartbeat(ctx context.Context, id, cwd string, now float64) error {
	return b.withRetry(ctx, "Heartbeat", func() error {
		return b.control.WithContext(ctx).Model(&peerRow{}).
			Where("id = ?", id).
			Updates(map[string]any{"last_seen": now, "cwd": cwd}).Error
	})
}

// RenamePeer implements store.Backend.RenamePeer on the control database
// only. The agent's mailbox directory is not moved: rows already in the
// oldID mailbox stay there and are not read under newID.
func (b *Backend) RenamePeer(ctx context.Context, oldID, newID string, now, heartbeatTTL float64) error {
	return b.withRetry(ctx, "RenamePeer", func() error {
		return b.control.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var target peerRow
			err := tx.Where("id = ?", newID).First(&target).Error
			switch {
			case err == nil:
				if now-target.LastSeen <= heartbeatTTL {
					return agentpoolstore.ErrNameTaken
				}
				if err := tx.Where("id = ?", newID).Delete(&peerRow{}).Error; err != nil {
					return err
				}
			case err != gorm.ErrRecordNotFound:
				return err
			}

			res := tx.Model(&peerRow{}).Where("id = ?", oldID).Update("id", newID)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("rename: source id %q not found", oldID)
			}
			return nil
		})
	})
}

// RemovePeer implements store.Backend.RemovePeer. The mailbox directory is
// left for the leader's next forwarding pass to drain; it is not deleted
// here to avoid losing in-flight outbox rows addressed to this id.
func (b *Backend) RemovePeer(ctx context.Context, id string) error {
	b.mailboxes.Evict(id)
	return b.withRetry(ctx, "RemovePeer", func() error {
		return b.control.WithContext(ctx).Where("id = ?", id).Delete(&peerRow{}).Error
	})
}

// GetPeer implements store.Backend.GetPeer.
func (b *Backend) GetPeer(ctx context.Context, id string) (agentpoolstore.Peer, error) {
	var row peerRow
	err := b.control.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return agentpoolstore.Peer{}, agentpoolstore.ErrNotFound
	}
	if err != nil {
		return agentpoolstore.Peer{}, err
	}
	return toPeer(row), nil
}

// SetMode implements store.Backend.SetMode.
func (b *Backend) SetMode(ctx context.Context, id string, mode agentpoolstore.Mode, now float64, recvDeadline float64, recvWaitSecs int) error {
	return b.withRetry(ctx, "SetMode", func() error {
		updates := map[string]any{"mode": string(mode), "mode_since": now}
		if mode == agentpoolstore.ModeWaiting {
			updates["recv_started"] = now
			updates["recv_deadline"] = recvDeadline
			updates["recv_wait_seconds"] = recvWaitSecs
			updates["recv_last_touch"] = now
		}
		return b.control.WithContext(ctx).Model(&peerRow{}).Where("id = ?", id).Updates(updates).Error
	})
}

// TouchRecv implements store.Backend.TouchRecv.
func (b *Backend) TouchRecv(ctx context.Context, id string, now float64) error {
	return b.withRetry(ctx, "TouchRecv", func() error {
		return b.control.WithContext(ctx).Model(&peerRow{}).Where("id = ?", id).Update("recv_last_touch", now).Error
	})
}

// ListOnline implements store.Backend.ListOnline.
func (b *Backend) ListOnline(ctx context.Context, now, heartbeatTTL float64) ([]agentpoolstore.Peer, error) {
	var rows []peerRow
	err := b.control.WithContext(ctx).
		Where("last_seen > ?", now-heartbeatTTL).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	peers := make([]agentpoolstore.Peer, len(rows))
	for i, r := range rows {
		peers[i] = toPeer(r)
	}
	return peers, nil
}

func toPeer(row peerRow) agentpoolstore.Peer {
	return agentpoolstore.Peer{
		ID: row.ID, PID: row.PID, Hostname: row.Hostname, CWD: row.CWD,
		LastSeen: row.LastSeen, Mode: agentpoolstore.Mode(row.Mode), ModeSince: row.ModeSince,
		RecvStarted: row.RecvStarted, RecvDeadline: row.RecvDeadline,
		RecvWaitSecs: row.RecvWaitSecs, RecvLastTouch: row.RecvLastTouch,
	}
}

package sqlitebackend

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	agentpoolstore "github.com/agentpool/agentpool/internal/store"
)

// perMessageOverhead is the fixed per-message byte cost added to len(content)
// when accumulating a lease batch against its byte budget.
const perMessageOverhead = 60

// Enqueue implements store.Backend.Enqueue.
func (b *Backend) Enqueue(ctx context.Context, from string, to []string, content string, now float64) (string, error) {
	var firstMsgID string

	err := b.withRetry(ctx, "Enqueue", func() error {
		return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			rows := make([]messageRow, 0, len(to))
			for _, recipient := range to {
				id := strings.ReplaceAll(uuid.New().String(), "-", "")
				if firstMsgID == "" {
					firstMsgID = id
				}
				rows = append(rows, messageRow{
					MsgID: id, TS: now, FromUser: from, ToUser: recipient,
					Content: content, State: string(agentpoolstore.MessageQueued),
				})
			}
			if len(rows) == 0 {
				return nil
			}
			return tx.Create(&rows).Error
		})
	})
	if err != nil {
		return "", err
	}
	return firstMsgID, nil
}

// RecoverExpiredLeases implements store.Backend.RecoverExpiredLeases.
func (b *Backend) RecoverExpiredLeases(ctx context.Context, myID string, now float64) (int, error) {
	var n int64
	err := b.withRetry(ctx, "RecoverExpiredLeases", func() error {
		res := b.db.WithContext(ctx).Model(&messageRow{}).
			Where("to_user = ? AND state = ? AND lease_until < ?", myID, string(agentpoolstore.MessageInflight), now).
			Updates(map[string]any{"state": string(agentpoolstore.MessageQueued), "lease_owner": ""})
		n = res.RowsAffected
		return res.Error
	})
	return int(n), err
}

// Lease implements store.Backend.Lease.
func (b *Backend) Lease(ctx context.Context, myID string, budget, maxScanRows int, leaseTTL, now float64) (agentpoolstore.LeaseBatch, error) {
	if _, err := b.RecoverExpiredLeases(ctx, myID, now); err != nil {
		return agentpoolstore.LeaseBatch{}, err
	}

	var candidates []messageRow
	err := b.withRetry(ctx, "Lease.select", func() error {
		return b.db.WithContext(ctx).
			Where("to_user = ? AND state = ?", myID, string(agentpoolstore.MessageQueued)).
			Order("ts ASC").
			Limit(maxScanRows).
			Find(&candidates).Error
	})
	if err != nil {
		return agentpoolstore.LeaseBatch{}, err
	}

	selected := make([]messageRow, 0, len(candidates))
	used := 0
	for i, row := range candidates {
		cost := len(row.Content) + perMessageOverhead
		if len(selected) > 0 && used+cost > budget {
			break
		}
		selected = append(selected, row)
		used += cost
		_ = i
	}

	if len(selected) == 0 {
		return agentpoolstore.LeaseBatch{Messages: nil, ApproxRemaining: 0}, nil
	}

	leased := make([]messageRow, 0, len(selected))
	err = b.withRetry(ctx, "Lease.transition", func() error {
		return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, row := range selected {
				res := tx.Model(&messageRow{}).
					Where("msg_id = ? AND state = ?", row.MsgID, string(agentpoolstore.MessageQueued)).
					Updates(map[string]any{
						"state":        string(agentpoolstore.MessageInflight),
						"lease_owner":  myID,
						"lease_until":  now + leaseTTL,
						"attempt":      gorm.Expr("attempt + 1"),
						"delivered_at": now,
					})
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected == 1 {
					row.State = string(agentpoolstore.MessageInflight)
					row.LeaseOwner = myID
					row.LeaseUntil = now + leaseTTL
					row.DeliveredAt = now
					leased = append(leased, row)
				}
			}
			return nil
		})
	})
	if err != nil {
		return agentpoolstore.LeaseBatch{}, err
	}

	remaining, err := b.countQueued(ctx, myID)
	if err != nil {
		return agentpoolstore.LeaseBatch{}, err
	}

	out := make([]agentpoolstore.Message, len(leased))
	for i, r := range leased {
		out[i] = toMessage(r)
	}
	return agentpoolstore.LeaseBatch{Messages: out, ApproxRemaining: remaining}, nil
}

func (b *Backend) countQueued(ctx context.Context, myID string) (int, error) {
	var n int64
	err := b.db.WithContext(ctx).Model(&messageRow{}).
		Where("to_user = ? AND state = ?", myID, string(agentpoolstore.MessageQueued)).
		Count(&n).Error
	return int(n), err
}

// Ack implements store.Backend.Ack.
func (b *Backend) Ack(ctx context.Context, myID string, msgIDs []string) error {
	if len(msgIDs) == 0 {
		return nil
	}
	return b.withRetry(ctx, "Ack", func() error {
		return b.db.WithContext(ctx).
			Where("msg_id IN ? AND state = ? AND lease_owner = ?", msgIDs, string(agentpoolstore.MessageInflight), myID).
			Delete(&messageRow{}).Error
	})
}

// Release implements store.Backend.Release.
func (b *Backend) Release(ctx context.Context, myID string, msgIDs []string) error {
	if len(msgIDs) == 0 {
		return nil
	}
	return b.withRetry(ctx, "Release", func() error {
		return b.db.WithContext(ctx).Model(&messageRow{}).
			Where("msg_id IN ? AND state = ? AND lease_owner = ?", msgIDs, string(agentpoolstore.MessageInflight), myID).
			Updates(map[string]any{"state": string(agentpoolstore.MessageQueued), "lease_owner": ""}).Error
	})
}

// PruneMessages implements store.Backend.PruneMessages.
func (b *Backend) PruneMessages(ctx context.Context, now, messageTTL float64) (int, error) {
	var n int64
	err := b.withRetry(ctx, "PruneMessages", func() error {
		res := b.db.WithContext(ctx).Where("ts < ?", now-messageTTL).Delete(&messageRow{})
		n = res.RowsAffected
		return res.Error
	})
	return int(n), err
}

func toMessage(r messageRow) agentpoolstore.Message {
	return agentpoolstore.Message{
		MsgID: r.MsgID, TS: r.TS, FromUser: r.FromUser, ToUser: r.ToUser,
		Content: r.Content, State: agentpoolstore.MessageState(r.State),
		LeaseOwner: r.LeaseOwner, LeaseUntil: r.LeaseUntil, Attempt: r.Attempt,
		DeliveredAt: r.DeliveredAt,
	}
}

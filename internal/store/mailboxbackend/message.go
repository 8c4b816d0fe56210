package mailboxbackend

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	agentpoolstore "github.com/agentpool/agentpool/internal/store"
)

const perMessageOverhead = 60

// Enqueue writes one row per recipient into the sender's own outbox; the
// leader's Forward pass later relocates each row into the recipient's
// inbox.
func (b *Backend) Enqueue(ctx context.Context, from string, to []string, content string, now float64) (string, error) {
	db, err := b.mailboxDB(from)
	if err != nil {
		return "", err
	}

	var firstMsgID string
	err = b.withRetry(ctx, "Enqueue", func() error {
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			rows := make([]outboxRow, 0, len(to))
			for _, recipient := range to {
				id := strings.ReplaceAll(uuid.New().String(), "-", "")
				if firstMsgID == "" {
					firstMsgID = id
				}
				rows = append(rows, outboxRow{MsgID: id, TS: now, FromUser: from, ToUser: recipient, Content: content})
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

// RecoverExpiredLeases resets inflight inbox rows addressed to myID whose
// lease has expired back to queued.
func (b *Backend) RecoverExpiredLeases(ctx context.Context, myID string, now float64) (int, error) {
	db, err := b.mailboxDB(myID)
	if err != nil {
		return 0, err
	}
	var n int64
	err = b.withRetry(ctx, "RecoverExpiredLeases", func() error {
		res := db.WithContext(ctx).Model(&inboxRow{}).
			Where("state = ? AND lease_until < ?", string(agentpoolstore.MessageInflight), now).
			Updates(map[string]any{"state": string(agentpoolstore.MessageQueued), "lease_owner": ""})
		n = res.RowsAffected
		return res.Error
	})
	return int(n), err
}

// Lease selects and leases the caller's own inbox rows, oldest first.
func (b *Backend) Lease(ctx context.Context, myID string, budget, maxScanRows int, leaseTTL, now float64) (agentpoolstore.LeaseBatch, error) {
	if _, err := b.RecoverExpiredLeases(ctx, myID, now); err != nil {
		return agentpoolstore.LeaseBatch{}, err
	}

	db, err := b.mailboxDB(myID)
	if err != nil {
		return agentpoolstore.LeaseBatch{}, err
	}

	var candidates []inboxRow
	err = b.withRetry(ctx, "Lease.select", func() error {
		return db.WithContext(ctx).
			Where("state = ?", string(agentpoolstore.MessageQueued)).
			Order("ts ASC").
			Limit(maxScanRows).
			Find(&candidates).Error
	})
	if err != nil {
		return agentpoolstore.LeaseBatch{}, err
	}

	selected := make([]inboxRow, 0, len(candidates))
	used := 0
	for _, row := range candidates {
		cost := len(row.Content) + perMessageOverhead
		if len(selected) > 0 && used+cost > budget {
			break
		}
		selected = append(selected, row)
		used += cost
	}
	if len(selected) == 0 {
		return agentpoolstore.LeaseBatch{}, nil
	}

	leased := make([]inboxRow, 0, len(selected))
	err = b.withRetry(ctx, "Lease.transition", func() error {
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, row := range selected {
				res := tx.Model(&inboxRow{}).
					Where("msg_id = ? AND state = ?", row.MsgID, string(agentpoolstore.MessageQueued)).
					Updates(map[string]any{
						"state": string(agentpoolstore.MessageInflight), "lease_owner": myID,
						"lease_until": now + leaseTTL, "attempt": gorm.Expr("attempt + 1"),
					})
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected == 1 {
					leased = append(leased, row)
				}
			}
			return nil
		})
	})
	if err != nil {
		return agentpoolstore.LeaseBatch{}, err
	}

	var remaining int64
	if err := db.WithContext(ctx).Model(&inboxRow{}).Where("state = ?", string(agentpoolstore.MessageQueued)).Count(&remaining).Error; err != nil {
		return agentpoolstore.LeaseBatch{}, err
	}

	out := make([]agentpoolstore.Message, len(leased))
	for i, r := range leased {
		out[i] = agentpoolstore.Message{
			MsgID: r.MsgID, TS: r.TS, FromUser: r.FromUser, ToUser: r.ToUser, Content: r.Content,
			State: agentpoolstore.MessageInflight, LeaseOwner: myID, LeaseUntil: r.LeaseUntil, Attempt: r.Attempt,
		}
	}
	return agentpoolstore.LeaseBatch{Messages: out, ApproxRemaining: int(remaining)}, nil
}

// Ack deletes leased-and-acked rows from the caller's own inbox.
func (b *Backend) Ack(ctx context.Context, myID string, msgIDs []string) error {
	if len(msgIDs) == 0 {
		return nil
	}
	db, err := b.mailboxDB(myID)
	if err != nil {
		return err
	}
	return b.withRetry(ctx, "Ack", func() error {
		return db.WithContext(ctx).
			Where("msg_id IN ? AND state = ? AND lease_owner = ?", msgIDs, string(agentpoolstore.MessageInflight), myID).
			Delete(&inboxRow{}).Error
	})
}

// Release reverses Lease for msgIDs in the caller's own inbox.
func (b *Backend) Release(ctx context.Context, myID string, msgIDs []string) error {
	if len(msgIDs) == 0 {
		return nil
	}
	db, err := b.mailboxDB(myID)
	if err != nil {
		return err
	}
	return b.withRetry(ctx, "Release", func() error {
		return db.WithContext(ctx).Model(&inboxRow{}).
			Where("msg_id IN ? AND state = ? AND lease_owner = ?", msgIDs, string(agentpoolstore.MessageInflight), myID).
			Updates(map[string]any{"state": string(agentpoolstore.MessageQueued), "lease_owner": ""}).Error
	})
}

// PruneMessages deletes aged rows from every known agent's outbox and
// inbox.
func (b *Backend) PruneMessages(ctx context.Context, now, messageTTL float64) (int, error) {
	ids, err := b.knownAgentIDs()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, id := range ids {
		db, err := b.mailboxDB(id)
		if err != nil {
			continue
		}
		var n int64
		err = b.withRetry(ctx, "PruneMessages.outbox", func() error {
			res := db.WithContext(ctx).Where("ts < ?", now-messageTTL).Delete(&outboxRow{})
			n = res.RowsAffected
			return res.Error
		})
		if err == nil {
			total += int(n)
		}
		err = b.withRetry(ctx, "PruneMessages.inbox", func() error {
			res := db.WithContext(ctx).Where("ts < ?", now-messageTTL).Delete(&inboxRow{})
			n = res.RowsAffected
			return res.Error
		})
		if err == nil {
			total += int(n)
		}
	}
	return total, nil
}

// knownAgentIDs enumerates the agents subdirectory rather than the peers
// table, so pruning and forwarding still drain a departed agent's mailbox.
func (b *Backend) knownAgentIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(b.root, "agents"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

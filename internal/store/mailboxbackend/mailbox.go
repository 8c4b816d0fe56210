// Package mailboxbackend implements store.Backend as one directory (and one
// SQLite file) per agent, each with its own outbox/inbox. Grounded directly
// in the retrieved Python original's bridge_v12/leader.py and
// bridge_v12/messaging.py: send()
// writes to the sender's outbox, the leader forwards outbox -> inbox, and
// recv() leases only from its own inbox. Lease and delete are separate
// steps, as in the other backends: Lease marks inbox rows inflight and Ack
// deletes them; there is no single read-then-delete transaction.
//
// A small control SQLite file at the pool root (peers + leader_lease +
// schema_meta) plays the same role as the shared backend's tables; only
// messages are split per-agent.
package mailboxbackend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	agentpoolstore "github.com/agentpool/agentpool/internal/store"
)

const controlDBName = "control.sqlite3"
const mailboxHandleCapacity = 256

type peerRow struct {
	ID            string  `gorm:"primaryKey;column:id"`
	PID           int     `gorm:"column:pid"`
	Hostname      string  `gorm:"column:hostname"`
	CWD           string  `gorm:"column:cwd"`
	LastSeen      float64 `gorm:"column:last_seen;index"`
	Mode          string  `gorm:"column:mode"`
	ModeSince     float64 `gorm:"column:mode_since"`
	RecvStarted   float64 `gorm:"column:recv_started"`
	RecvDeadline  float64 `gorm:"column:recv_deadline"`
	RecvWaitSecs  int     `gorm:"column:recv_wait_seconds"`
	RecvLastTouch float64 `gorm:"column:recv_last_touch"`
}

func (peerRow) TableName() string { return "peers" }

type leaderLeaseRow struct {
	Key        string  `gorm:"primaryKey;column:lease_key"`
	OwnerID    string  `gorm:"column:owner_id"`
	Host       string  `gorm:"column:host"`
	PID        int     `gorm:"column:pid"`
	LeaseUntil float64 `gorm:"column:lease_until"`
	UpdatedAt  float64 `gorm:"column:updated_at"`
}

func (leaderLeaseRow) TableName() string { return "leader_lease" }

type schemaMetaRow struct {
	Key     string `gorm:"primaryKey;column:meta_key"`
	Version int    `gorm:"column:version"`
}

func (schemaMetaRow) TableName() string { return "schema_meta" }

// outboxRow and inboxRow are identical shapes, kept as distinct models so
// each agent's two tables (in their own per-agent file) stay separate.
type outboxRow struct {
	MsgID    string  `gorm:"primaryKey;column:msg_id"`
	TS       float64 `gorm:"column:ts;index"`
	FromUser string  `gorm:"column:from_user"`
	ToUser   string  `gorm:"column:to_user"`
	Content  string  `gorm:"column:content"`
}

func (outboxRow) TableName() string { return "outbox" }

// inboxRow carries lease bookkeeping too: Lease moves rows to inflight, Ack
// deletes them, and Release (used on recv cancellation paths) returns them
// to queued.
type inboxRow struct {
	MsgID      string  `gorm:"primaryKey;column:msg_id"`
	TS         float64 `gorm:"column:ts;index"`
	FromUser   string  `gorm:"column:from_user"`
	ToUser     string  `gorm:"column:to_user"`
	Content    string  `gorm:"column:content"`
	State      string  `gorm:"column:state;index"`
	LeaseOwner string  `gorm:"column:lease_owner"`
	LeaseUntil float64 `gorm:"column:lease_until"`
	Attempt    int     `gorm:"column:attempt"`
}

func (inboxRow) TableName() string { return "inbox" }

const (
	leaderLeaseKey = "main"
	schemaMetaKey  = "main"
)

// Backend is the mailbox-per-agent store.Backend implementation.
type Backend struct {
	root          string
	control       *gorm.DB
	mailboxes     *agentpoolstore.HandlePool[*gorm.DB]
	logger        *zap.Logger
	retry         agentpoolstore.RetryPolicy
	busyTimeoutMS int
}

// Open opens (creating if absent) the control database at root, and
// prepares a bounded pool of per-agent mailbox handles opened lazily.
func Open(root string, schemaVersion, busyTimeoutMS int, retry agentpoolstore.RetryPolicy, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "mailboxbackend"))

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create pool root: %w", err)
	}

	control, err := openGorm(filepath.Join(root, controlDBName), busyTimeoutMS)
	if err != nil {
		return nil, err
	}
	if err := control.AutoMigrate(&peerRow{}, &leaderLeaseRow{}, &schemaMetaRow{}); err != nil {
		return nil, fmt.Errorf("migrate control schema: %w", err)
	}

	b := &Backend{
		root: root, control: control, logger: logger, retry: retry, busyTimeoutMS: busyTimeoutMS,
	}
	b.mailboxes = agentpoolstore.NewHandlePool[*gorm.DB](mailboxHandleCapacity, func(db *gorm.DB) {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	match, err := b.checkSchemaVersion(schemaVersion)
	if err != nil {
		return nil, err
	}
	if !match {
		logger.Warn("schema version mismatch, wiping pool root", zap.String("root", root))
		if sqlDB, err := control.DB(); err == nil {
			sqlDB.Close()
		}
		if err := agentpoolstore.WipeRoot(root); err != nil {
			return nil, fmt.Errorf("wipe stale pool root: %w", err)
		}
		return Open(root, schemaVersion, busyTimeoutMS, retry, logger)
	}

	return b, nil
}

func openGorm(path string, busyTimeoutMS int) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busyTimeoutMS,
	)
	return gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
}

func (b *Backend) checkSchemaVersion(want int) (bool, error) {
	var row schemaMetaRow
	err := b.control.Where("meta_key = ?", schemaMetaKey).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return true, b.control.Create(&schemaMetaRow{Key: schemaMetaKey, Version: want}).Error
	}
	if err != nil {
		return false, err
	}
	return row.Version == want, nil
}

// mailboxDir returns (and creates) the per-agent directory.
func (b *Backend) mailboxDir(id string) (string, error) {
	dir := filepath.Join(b.root, "agents", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// mailboxDB returns the cached (or newly opened) per-agent *gorm.DB,
// migrated for outbox/inbox.
func (b *Backend) mailboxDB(id string) (*gorm.DB, error) {
	return b.mailboxes.GetOrOpen(id, func() (*gorm.DB, error) {
		dir, err := b.mailboxDir(id)
		if err != nil {
			return nil, err
		}
		db, err := openGorm(filepath.Join(dir, "mailbox.sqlite3"), b.busyTimeoutMS)
		if err != nil {
			return nil, err
		}
		if err := db.AutoMigrate(&outboxRow{}, &inboxRow{}); err != nil {
			return nil, err
		}
		return db, nil
	})
}

func (b *Backend) withRetry(ctx context.Context, op string, fn func() error) error {
	return b.retry.WithRetry(ctx, b.logger, op, fn)
}

// Close closes the control handle and every cached mailbox handle.
func (b *Backend) Close() error {
	b.mailboxes.Close()
	sqlDB, err := b.control.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SchemaVersion implements store.Backend.SchemaVersion.
func (b *Backend) SchemaVersion(ctx context.Context) (int, error) {
	var row schemaMetaRow
	if err := b.control.WithContext(ctx).Where("meta_key = ?", schemaMetaKey).First(&row).Error; err != nil {
		return 0, err
	}
	return row.Version, nil
}

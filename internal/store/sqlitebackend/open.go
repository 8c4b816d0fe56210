package sqlitebackend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/agentpool/agentpool/internal/database"
	agentpoolstore "github.com/agentpool/agentpool/internal/store"
)

const dbFileName = "pool.sqlite3"

// sqlite's single-writer model tolerates WAL-mode concurrent readers but
// not concurrent writers; capping the pool at one connection avoids
// "database is locked" errors the busy_timeout pragma would otherwise
// have to absorb under write contention.
var sqlitePoolConfig = database.PoolConfig{
	MaxOpenConns:    1,
	MaxIdleConns:    1,
	ConnMaxLifetime: 0,
	ConnMaxIdleTime: 0,
}

// Backend is the shared-single-file store.Backend implementation.
type Backend struct {
	db     *gorm.DB
	pool   *database.PoolManager
	logger *zap.Logger
	retry  agentpoolstore.RetryPolicy
}

// Open opens (creating if absent) the shared SQLite file under root,
// applying WAL + synchronous=NORMAL + busy_timeout, then checks the schema
// version: a mismatch wipes root and reinitializes, exposed here so a
// higher-level dispatcher can parameterize tests on a temp root.
func Open(root string, schemaVersion int, busyTimeoutMS int, retry agentpoolstore.RetryPolicy, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "sqlitebackend"))

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create pool root: %w", err)
	}

	path := filepath.Join(root, dbFileName)
	dsn := fmt.Sprintf(
		"%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)",
		path, busyTimeoutMS,
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite pool store: %w", err)
	}

	if err := db.AutoMigrate(&peerRow{}, &messageRow{}, &leaderLeaseRow{}, &schemaMetaRow{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	pm, err := database.NewPoolManager(db, sqlitePoolConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("configure connection pool: %w", err)
	}

	b := &Backend{db: db, pool: pm, logger: logger, retry: retry}

	match, err := b.checkSchemaVersion(schemaVersion)
	if err != nil {
		return nil, err
	}
	if !match {
		logger.Warn("schema version mismatch, wiping pool root", zap.String("root", root))
		pm.Close()
		if err := agentpoolstore.WipeRoot(root); err != nil {
			return nil, fmt.Errorf("wipe stale pool root: %w", err)
		}
		return Open(root, schemaVersion, busyTimeoutMS, retry, logger)
	}

	return b, nil
}

func (b *Backend) checkSchemaVersion(want int) (bool, error) {
	var row schemaMetaRow
	err := b.db.Where("meta_key = ?", schemaMetaKey).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return true, b.db.Create(&schemaMetaRow{Key: schemaMetaKey, Version: want}).Error
	}
	if err != nil {
		return false, fmt.Errorf("read schema meta: %w", err)
	}
	return row.Version == want, nil
}

// Close releases the underlying sql.DB.
func (b *Backend) Close() error {
	return b.pool.Close()
}

// PoolStats reports the current connection-pool state, mostly useful in
// tests and operator diagnostics.
func (b *Backend) PoolStats() database.PoolStats {
	return b.pool.GetStats()
}

// SchemaVersion returns the version recorded in the opened root.
func (b *Backend) SchemaVersion(ctx context.Context) (int, error) {
	var row schemaMetaRow
	if err := b.db.WithContext(ctx).Where("meta_key = ?", schemaMetaKey).First(&row).Error; err != nil {
		return 0, err
	}
	return row.Version, nil
}

// withRetry wraps fn with the backend's retry policy.
func (b *Backend) withRetry(ctx context.Context, op string, fn func() error) error {
	return b.retry.WithRetry(ctx, b.logger, op, fn)
}

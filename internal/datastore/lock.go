package datastore

import (
	"context"
	"fmt"
	"hash/crc32"
	"os"
	"time"

	"gorm.io/gorm"
)

// migrationLockKey seeds the advisory lock identifier shared by every
// registry replica.
const migrationLockKey = "config-registry-migration"

const (
	lockRecordID      = "schema-migration"
	lockMaxRetries    = 30
	lockRetryInterval = time.Second
	lockStaleAge      = 5 * time.Minute
)

// MigrationLocker serializes schema migrations across server replicas.
type MigrationLocker interface {
	// WithLock runs fn while holding the migration lock.
	WithLock(ctx context.Context, fn func() error) error
}

// NewMigrationLocker picks a locking strategy for the given database.
// PostgreSQL gets a session advisory lock; other backends fall back to a
// lock table with stale-entry recovery. A nil db gets a no-op locker.
func NewMigrationLocker(db *gorm.DB) MigrationLocker {
	if db == nil {
		return &noopLocker{}
	}
	if db.Dialector.Name() == "postgres" {
		return &pgAdvisoryLocker{
			db:     db,
			lockID: int64(crc32.ChecksumIEEE([]byte(migrationLockKey))),
		}
	}
	return &tableLocker{db: db}
}

type noopLocker struct{}

func (l *noopLocker) WithLock(_ context.Context, fn func() error) error {
	return fn()
}

// pgAdvisoryLocker holds a PostgreSQL session advisory lock for the duration
// of the migration. The server releases the lock if the session dies, so a
// crashed replica never wedges the others.
type pgAdvisoryLocker struct {
	db     *gorm.DB
	lockID int64
}

func (l *pgAdvisoryLocker) WithLock(ctx context.Context, fn func() error) error {
	if err := l.db.WithContext(ctx).Exec("SELECT pg_advisory_lock(?)", l.lockID).Error; err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer l.db.Exec("SELECT pg_advisory_unlock(?)", l.lockID)
	return fn()
}

// migrationLock is the single-row lock table used on backends without
// advisory locks.
type migrationLock struct {
	ID         string    `gorm:"primaryKey"`
	Owner      string    `gorm:"not null"`
	AcquiredAt time.Time `gorm:"not null"`
}

func (migrationLock) TableName() string {
	return "migration_locks"
}

type tableLocker struct {
	db *gorm.DB
}

func (l *tableLocker) WithLock(ctx context.Context, fn func() error) error {
	if err := l.db.WithContext(ctx).AutoMigrate(&migrationLock{}); err != nil {
		return fmt.Errorf("prepare migration lock table: %w", err)
	}
	owner := lockOwner()
	if err := l.acquire(ctx, owner); err != nil {
		return err
	}
	defer l.release(owner)
	return fn()
}

// acquire inserts the lock row, treating a failed insert as the lock being
// held elsewhere. Rows older than lockStaleAge are broken on the assumption
// that their owner crashed before releasing.
func (l *tableLocker) acquire(ctx context.Context, owner string) error {
	for attempt := 0; attempt < lockMaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		record := migrationLock{ID: lockRecordID, Owner: owner, AcquiredAt: time.Now()}
		if err := l.db.WithContext(ctx).Create(&record).Error; err == nil {
			return nil
		}
		var current migrationLock
		if err := l.db.WithContext(ctx).First(&current, "id = ?", lockRecordID).Error; err == nil {
			if time.Since(current.AcquiredAt) > lockStaleAge {
				l.db.WithContext(ctx).Delete(&migrationLock{}, "id = ? AND owner = ?", lockRecordID, current.Owner)
				continue
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
	return fmt.Errorf("migration lock still held after %d attempts", lockMaxRetries)
}

func (l *tableLocker) release(owner string) {
	l.db.Delete(&migrationLock{}, "id = ? AND owner = ?", lockRecordID, owner)
}

func lockOwner() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

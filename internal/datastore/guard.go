package datastore

import (
	"context"
	"fmt"
	"hash/crc32"

	"gorm.io/gorm"

	"github.com/dataflow-works/config-registry/pkg/commands"
	"github.com/dataflow-works/config-registry/pkg/entities"
)

// NewDeleteGuard returns a delete guard backed by PostgreSQL session advisory
// locks, or nil on backends without them. Without a guard the dispatcher
// tolerates the small window between the reference check and the delete.
func NewDeleteGuard(db *gorm.DB) commands.DeleteGuard {
	if db == nil || db.Dialector.Name() != "postgres" {
		return nil
	}
	return &advisoryDeleteGuard{db: db}
}

type advisoryDeleteGuard struct {
	db *gorm.DB
}

// Lock takes a session advisory lock scoped to a single document. The lock
// rides on a dedicated connection so pooled queries elsewhere cannot release
// it early; the returned func unlocks and returns the connection to the pool.
func (g *advisoryDeleteGuard) Lock(ctx context.Context, entityType entities.Type, id string) (func(), error) {
	sqlDB, err := g.db.DB()
	if err != nil {
		return nil, fmt.Errorf("acquire delete lock: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire delete lock: %w", err)
	}
	lockID := int64(crc32.ChecksumIEEE([]byte(string(entityType) + "/" + id)))
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", lockID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("acquire delete lock: %w", err)
	}
	release := func() {
		// The request context may already be done by release time; unlocking
		// on a fresh context keeps the session clean before returning it.
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", lockID)
		_ = conn.Close()
	}
	return release, nil
}

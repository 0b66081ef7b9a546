// Package datastore owns the registry's database lifecycle: dialector
// selection, serialized schema migration, and the PostgreSQL delete guard.
package datastore

import (
	"context"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Supported database types.
const (
	TypePostgres = "postgres"
	TypeMySQL    = "mysql"
	TypeSQLite   = "sqlite"
)

// Config selects and addresses the backing database.
type Config struct {
	// Type is one of postgres, mysql or sqlite.
	Type string
	// DSN is the driver connection string.
	DSN string
}

// Connect opens the database described by cfg.
func Connect(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case TypePostgres:
		dialector = postgres.Open(cfg.DSN)
	case TypeMySQL:
		dialector = mysql.Open(cfg.DSN)
	case TypeSQLite:
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type %q (expected postgres, mysql or sqlite)", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("connect to %s database: %w", cfg.Type, err)
	}

	if cfg.Type == TypeSQLite && strings.Contains(cfg.DSN, ":memory:") {
		// Every in-memory SQLite connection sees its own database; a single
		// shared connection keeps all sessions on the same one.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("configure sqlite pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return db, nil
}

// Migrate runs the given migration funcs while holding the migration lock,
// so concurrent replicas never run schema changes at the same time.
func Migrate(ctx context.Context, db *gorm.DB, migrations ...func() error) error {
	locker := NewMigrationLocker(db)
	return locker.WithLock(ctx, func() error {
		for _, migrate := range migrations {
			if err := migrate(); err != nil {
				return err
			}
		}
		return nil
	})
}

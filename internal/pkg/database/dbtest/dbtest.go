// Package dbtest provides a throwaway database with the production schema.
package dbtest

import (
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/SlotBilling/internal/pkg/database"
)

// Open returns an in-memory SQLite database migrated with every model.
// The pool is pinned to one connection: the in-memory database lives and dies
// with it, and concurrent callers queue for it the way they would queue on
// row locks in MySQL.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	cfg := database.Config()
	cfg.Logger = logger.Default.LogMode(logger.Silent)
	db, err := gorm.Open(sqlite.Open(":memory:"), cfg)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("test db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

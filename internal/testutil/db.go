// Package testutil holds helpers shared by package tests.
package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"feedcatalog/internal/db"
	"feedcatalog/internal/models"
)

var dbSeq atomic.Int64

// OpenDB returns a migrated in-memory database private to the test.
// A single connection serializes writers the way row locks would in Postgres.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:catalog_%d?mode=memory&cache=shared", dbSeq.Add(1))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.Migrate(gdb))
	return gdb
}

// CreateShop inserts a shop with the given name.
func CreateShop(t *testing.T, gdb *gorm.DB, name string) models.Shop {
	t.Helper()
	shop := models.Shop{Name: name, FeedURL: "http://feeds.test/" + name + ".xml"}
	require.NoError(t, gdb.Create(&shop).Error)
	return shop
}

// Package dbtest opens throwaway SQLite databases with the real schema.
package dbtest

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/pansacloud/gateway/internal/db"
)

var seq atomic.Int64

// New returns a migrated in-memory SQLite database that is closed when the
// test ends. Each call gets its own database.
func New(t testing.TB) *bun.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_pragma=foreign_keys(1)", name, seq.Add(1))

	ctx := context.Background()
	database, err := db.Open(ctx, db.DriverSQLite, dsn, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	require.NoError(t, db.Migrate(ctx, database, db.DriverSQLite, log.NewNopLogger()))
	return database
}

// SeedUser inserts a user row and returns its id.
func SeedUser(t testing.TB, database *bun.DB, phone string, pinHash *string) int64 {
	t.Helper()
	var id int64
	err := database.NewRaw("INSERT INTO users (phone_e164, pin_hash) VALUES (?, ?) RETURNING id", phone, pinHash).
		Scan(context.Background(), &id)
	require.NoError(t, err)
	return id
}

// SeedFile inserts a file row owned by userID and returns its id.
func SeedFile(t testing.TB, database *bun.DB, userID, size int64) int64 {
	t.Helper()
	var id int64
	err := database.NewRaw("INSERT INTO files (user_id, storage_path, blob_size) VALUES (?, ?, ?) RETURNING id",
		userID, fmt.Sprintf("blobs/%d/%d.bin", userID, size), size).
		Scan(context.Background(), &id)
	require.NoError(t, err)
	return id
}

package glsql

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/config"
)

// NewDB returns a migrated SQLite database living in a temporary directory.
// Must be used only for testing.
func NewDB(t testing.TB) *DB {
	t.Helper()

	db, err := OpenDB(context.Background(), config.DB{
		Driver: config.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "registry.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	_, err = Migrate(db, false)
	require.NoError(t, err)

	return db
}

// NewPostgresDB returns a migrated PostgreSQL database created for the test
// and dropped on cleanup. Must be used only for testing.
// It uses env vars:
//
//	PGHOST - required, URL/socket/dir
//	PGPORT - required, binding port
//	PGUSER - optional, user - `$ whoami` would be used if not provided
//
// The test is skipped when PGHOST is not set.
func NewPostgresDB(t testing.TB) *DB {
	t.Helper()

	host, ok := os.LookupEnv("PGHOST")
	if !ok {
		t.Skip("PGHOST is not set, skipping PostgreSQL test")
	}

	port, err := strconv.Atoi(os.Getenv("PGPORT"))
	require.NoError(t, err, "PGPORT must be a port number of the Postgres database")

	conf := config.DB{
		Driver:  config.DriverPostgres,
		Host:    host,
		Port:    port,
		User:    os.Getenv("PGUSER"),
		DBName:  "postgres",
		SSLMode: "disable",
	}

	ctx := context.Background()
	admin, err := OpenDB(ctx, conf)
	require.NoError(t, err)

	database := "geo_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	_, err = admin.ExecContext(ctx, "CREATE DATABASE "+database+" WITH ENCODING 'UTF8'")
	require.NoError(t, err)

	conf.DBName = database
	db, err := OpenDB(ctx, conf)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, db.Close())
		_, err := admin.ExecContext(ctx, "DROP DATABASE "+database)
		require.NoError(t, err)
		require.NoError(t, admin.Close())
	})

	_, err = Migrate(db, false)
	require.NoError(t, err)

	return db
}

// MustExec executes `q` with `args` and verifies there are no errors.
func (db *DB) MustExec(t testing.TB, q string, args ...interface{}) {
	t.Helper()
	_, err := db.Querier().ExecContext(context.Background(), q, args...)
	require.NoError(t, err)
}

// RequireRowsInTable verifies that `tname` table has `n` amount of rows in it.
func (db *DB) RequireRowsInTable(t testing.TB, tname string, n int) {
	t.Helper()

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+tname).Scan(&count))
	require.Equal(t, n, count, "unexpected amount of rows in table: %d instead of %d", count, n)
}

// Package glsql (Geo SQL) is a helper package to work with plain SQL queries
// against the registry database. Queries are written with PostgreSQL style
// $n placeholders and rebound for SQLite.
package glsql

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	// Blank import to enable integration of github.com/lib/pq into database/sql
	_ "github.com/lib/pq"
	migrate "github.com/rubenv/sql-migrate"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/config"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore/migrations"
	// Blank import to register the pure Go sqlite driver with database/sql
	_ "modernc.org/sqlite"
)

// Dialect is the SQL flavour of a database.
type Dialect string

const (
	// Postgres is served by github.com/lib/pq.
	Postgres = Dialect("postgres")
	// SQLite is served by modernc.org/sqlite.
	SQLite = Dialect("sqlite")
)

var placeholder = regexp.MustCompile(`\$(\d+)`)

// Rebind rewrites $n placeholders into the form the dialect understands.
func (d Dialect) Rebind(query string) string {
	if d != SQLite {
		return query
	}
	return placeholder.ReplaceAllString(query, "?$1")
}

// SkipLocked returns the row locking clause used by dequeue style queries.
// SQLite serializes writers and has no row locks.
func (d Dialect) SkipLocked() string {
	if d == Postgres {
		return "FOR UPDATE SKIP LOCKED"
	}
	return ""
}

// migrateDialect is the dialect name of github.com/rubenv/sql-migrate.
func (d Dialect) migrateDialect() string {
	if d == SQLite {
		return "sqlite3"
	}
	return "postgres"
}

// DB is a connection pool together with its dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// OpenDB returns connection pool to the database.
func OpenDB(ctx context.Context, conf config.DB) (*DB, error) {
	var db *sql.DB
	var dialect Dialect
	var err error

	switch conf.Driver {
	case config.DriverSQLite:
		dialect = SQLite
		db, err = sql.Open("sqlite", SQLiteDSN(conf.Path))
		// A single connection avoids SQLITE_BUSY between writers of the
		// same process.
		if err == nil {
			db.SetMaxOpenConns(1)
		}
	default:
		dialect = Postgres
		db, err = sql.Open("postgres", DSN(conf))
	}
	if err != nil {
		return nil, err
	}

	errChan := make(chan error, 1)
	go func() {
		if err := db.PingContext(ctx); err != nil {
			errChan <- fmt.Errorf("send ping: %w", err)
		} else {
			errChan <- nil
		}
	}()

	select {
	// lib/pq does not honour context cancellation while dialing, see
	// https://github.com/lib/pq/issues/620
	case <-ctx.Done():
		db.Close()
		return nil, ctx.Err()
	case err := <-errChan:
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	return &DB{DB: db, Dialect: dialect}, nil
}

// SQLiteDSN returns the modernc.org/sqlite data source name for a file.
func SQLiteDSN(path string) string {
	params := url.Values{}
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "foreign_keys(1)")
	params.Set("_time_format", "sqlite")
	return "file:" + path + "?" + params.Encode()
}

// DSN compiles configuration into data source name with lib/pq specifics.
func DSN(db config.DB) string {
	var fields []string
	if db.Port > 0 {
		fields = append(fields, fmt.Sprintf("port=%d", db.Port))
	}

	for _, kv := range []struct{ key, value string }{
		{"host", db.Host},
		{"user", db.User},
		{"password", db.Password},
		{"dbname", db.DBName},
		{"sslmode", db.SSLMode},
		{"sslcert", db.SSLCert},
		{"sslkey", db.SSLKey},
		{"sslrootcert", db.SSLRootCert},
		{"binary_parameters", "yes"},
	} {
		if len(kv.value) == 0 {
			continue
		}

		kv.value = strings.ReplaceAll(kv.value, "'", `\'`)
		kv.value = strings.ReplaceAll(kv.value, " ", `\ `)

		fields = append(fields, kv.key+"="+kv.value)
	}

	return strings.Join(fields, " ")
}

func migrationSet(ignoreUnknown bool) migrate.MigrationSet {
	return migrate.MigrationSet{
		IgnoreUnknown: ignoreUnknown,
		TableName:     migrations.MigrationTableName,
	}
}

func migrationSource(d Dialect) *migrate.MemoryMigrationSource {
	return &migrate.MemoryMigrationSource{Migrations: migrations.All(string(d))}
}

// Migrate will apply all pending SQL migrations.
func Migrate(db *DB, ignoreUnknown bool) (int, error) {
	set := migrationSet(ignoreUnknown)
	return set.Exec(db.DB, db.Dialect.migrateDialect(), migrationSource(db.Dialect), migrate.Up)
}

// PlanMigrations returns the migrations that are not applied yet.
func PlanMigrations(db *DB, ignoreUnknown bool) ([]*migrate.PlannedMigration, error) {
	set := migrationSet(ignoreUnknown)
	planned, _, err := set.PlanMigration(db.DB, db.Dialect.migrateDialect(), migrationSource(db.Dialect), migrate.Up, 0)
	return planned, err
}

// MigrationStatus describes whether a known migration was applied.
type MigrationStatus struct {
	ID        string
	Applied   bool
	AppliedAt string
	Unknown   bool
}

// MigrationStatuses lists known and applied migrations ordered by ID.
func MigrationStatuses(db *DB) ([]MigrationStatus, error) {
	set := migrationSet(true)
	records, err := set.GetMigrationRecords(db.DB, db.Dialect.migrateDialect())
	if err != nil {
		return nil, err
	}

	applied := make(map[string]string, len(records))
	for _, r := range records {
		applied[r.Id] = r.AppliedAt.Format("2006-01-02T15:04:05")
	}

	var statuses []MigrationStatus
	known := make(map[string]struct{})
	for _, m := range migrations.All(string(db.Dialect)) {
		known[m.Id] = struct{}{}
		at, ok := applied[m.Id]
		statuses = append(statuses, MigrationStatus{ID: m.Id, Applied: ok, AppliedAt: at})
	}

	for _, r := range records {
		if _, ok := known[r.Id]; !ok {
			statuses = append(statuses, MigrationStatus{ID: r.Id, Applied: true, AppliedAt: applied[r.Id], Unknown: true})
		}
	}

	return statuses, nil
}

// Querier is an abstraction on *sql.DB and *sql.Tx that allows to use their methods without awareness about actual type.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type reboundQuerier struct {
	q       Querier
	dialect Dialect
}

func (r reboundQuerier) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return r.q.QueryContext(ctx, r.dialect.Rebind(query), args...)
}

func (r reboundQuerier) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return r.q.QueryRowContext(ctx, r.dialect.Rebind(query), args...)
}

func (r reboundQuerier) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return r.q.ExecContext(ctx, r.dialect.Rebind(query), args...)
}

// Querier returns a Querier that accepts $n placeholders for any dialect.
func (db *DB) Querier() Querier {
	return reboundQuerier{q: db.DB, dialect: db.Dialect}
}

// InTransaction runs fn in a transaction that is committed when fn returns
// nil and rolled back otherwise.
func (db *DB) InTransaction(ctx context.Context, fn func(Querier) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				err = fmt.Errorf("%w, rollback: %v", err, rbErr)
			}
		}
	}()

	if err := fn(reboundQuerier{q: tx, dialect: db.Dialect}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Notification represent a notification from the database.
type Notification struct {
	// Channel is a name of the receiving channel.
	Channel string
	// Payload is a payload of the notification.
	Payload string
}

// ListenHandler contains a set of methods that would be called on corresponding notifications received.
type ListenHandler interface {
	// Notification would be triggered once a new notification received.
	Notification(Notification)
	// Disconnect would be triggered once a connection to remote service is lost.
	// Passed in error will never be nil and will contain cause of the disconnection.
	Disconnect(error)
	// Connected would be triggered once a connection to remote service is established.
	Connected()
}

// NullTime converts a nullable timestamp into a pointer in UTC.
func NullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// TimeArg converts an optional time into a query argument.
func TimeArg(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

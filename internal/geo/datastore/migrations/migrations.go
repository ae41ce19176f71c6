package migrations

import (
	migrate "github.com/rubenv/sql-migrate"
)

// MigrationTableName is the name of the SQL table used to store migration info.
const MigrationTableName = "schema_migrations"

// migration holds the statements of one schema change per dialect. SQLite
// falls back to the PostgreSQL statements when it has none of its own.
type migration struct {
	id       string
	postgres []string
	sqlite   []string
	down     []string
}

var allMigrations []migration

// All returns all migrations defined in the package for the given dialect,
// "postgres" or "sqlite".
func All(dialect string) []*migrate.Migration {
	result := make([]*migrate.Migration, 0, len(allMigrations))
	for _, m := range allMigrations {
		up := m.postgres
		if dialect == "sqlite" && m.sqlite != nil {
			up = m.sqlite
		}
		result = append(result, &migrate.Migration{Id: m.id, Up: up, Down: m.down})
	}
	return result
}

package migrations

func init() {
	m := migration{
		id: "20240312153020_geo_replicables",
		postgres: []string{
			`CREATE TABLE geo_replicables (
	replicable_type TEXT NOT NULL,
	replicable_id BIGINT NOT NULL,
	path TEXT NOT NULL,
	size BIGINT NOT NULL DEFAULT 0,
	immutable BOOLEAN NOT NULL DEFAULT FALSE,
	checksummable BOOLEAN NOT NULL DEFAULT TRUE,
	checksum TEXT NOT NULL DEFAULT '',
	pool_path TEXT NOT NULL DEFAULT '',
	oid TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (replicable_type, replicable_id)
)`,
			`CREATE INDEX geo_replicables_path_idx ON geo_replicables (replicable_type, path)`,
			`CREATE INDEX geo_replicables_oid_idx ON geo_replicables (oid)`,
		},
		down: []string{`DROP TABLE geo_replicables`},
	}

	allMigrations = append(allMigrations, m)
}

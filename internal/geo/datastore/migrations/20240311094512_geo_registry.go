package migrations

func init() {
	m := migration{
		id: "20240311094512_geo_registry",
		postgres: []string{
			`CREATE TABLE geo_registry (
	replicable_type TEXT NOT NULL,
	replicable_id BIGINT NOT NULL,
	site TEXT NOT NULL,
	sync_state TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_sync_failure TEXT NOT NULL DEFAULT '',
	failure_kind TEXT NOT NULL DEFAULT '',
	next_retry_at TIMESTAMP,
	last_synced_at TIMESTAMP,
	state_changed_at TIMESTAMP NOT NULL,
	resync_requested BOOLEAN NOT NULL DEFAULT FALSE,
	verification_state TEXT NOT NULL DEFAULT 'pending',
	checksum TEXT NOT NULL DEFAULT '',
	verification_failure TEXT NOT NULL DEFAULT '',
	verification_started_at TIMESTAMP,
	verified_at TIMESTAMP,
	checksum_mismatch BOOLEAN NOT NULL DEFAULT FALSE,
	mismatch_count INTEGER NOT NULL DEFAULT 0,
	lock_version BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (replicable_type, replicable_id, site)
)`,
			`CREATE INDEX geo_registry_sync_due_idx ON geo_registry (site, sync_state, next_retry_at)`,
			`CREATE INDEX geo_registry_verification_due_idx ON geo_registry (site, sync_state, verification_state)`,
		},
		down: []string{`DROP TABLE geo_registry`},
	}

	allMigrations = append(allMigrations, m)
}

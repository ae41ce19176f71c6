package migrations

func init() {
	m := migration{
		id: "20240405081244_geo_registry_reverification",
		postgres: []string{
			`CREATE INDEX geo_registry_reverification_idx ON geo_registry (site, verification_state, verified_at) WHERE sync_state = 'synced'`,
		},
		down: []string{`DROP INDEX geo_registry_reverification_idx`},
	}

	allMigrations = append(allMigrations, m)
}

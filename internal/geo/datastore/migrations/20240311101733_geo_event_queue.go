package migrations

func init() {
	m := migration{
		id: "20240311101733_geo_event_queue",
		postgres: []string{
			`CREATE TABLE geo_event_queue (
	id BIGSERIAL PRIMARY KEY,
	site TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT 'ready',
	attempt INTEGER NOT NULL DEFAULT 3,
	replicable_type TEXT NOT NULL,
	replicable_id BIGINT NOT NULL,
	event_kind TEXT NOT NULL,
	emitted_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP
)`,
			`CREATE INDEX geo_event_queue_dequeue_idx ON geo_event_queue (site, state, id)`,
		},
		sqlite: []string{
			`CREATE TABLE geo_event_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	site TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT 'ready',
	attempt INTEGER NOT NULL DEFAULT 3,
	replicable_type TEXT NOT NULL,
	replicable_id BIGINT NOT NULL,
	event_kind TEXT NOT NULL,
	emitted_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP
)`,
			`CREATE INDEX geo_event_queue_dequeue_idx ON geo_event_queue (site, state, id)`,
		},
		down: []string{`DROP TABLE geo_event_queue`},
	}

	allMigrations = append(allMigrations, m)
}

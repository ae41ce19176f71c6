package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/config"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore/glsql"
)

// stores are the durable state of a site.
type stores struct {
	registry datastore.Registry
	catalog  datastore.Catalog
	queue    datastore.EventQueue
	outbox   datastore.Outbox
	// listener is set when the event queue lives in PostgreSQL.
	listener *datastore.Listener

	closers []func() error
}

// openStores connects the stores configured in conf. On the primary the
// outbox shares the database of the catalog so replicable changes and their
// events commit in one transaction. A secondary reads its events from
// events_database when it is set.
func openStores(ctx context.Context, conf config.Config, logger logrus.FieldLogger) (*stores, error) {
	siteCtx := conf.SiteContext()
	st := &stores{}

	if !conf.NeedsSQL() {
		logger.Warn("in-memory stores are in use, replication state is lost on restart")
		queue := datastore.NewMemoryEventQueue()
		st.registry = datastore.NewMemoryRegistry()
		st.catalog = datastore.NewMemoryCatalog()
		st.queue = queue
		st.outbox = datastore.NewMemoryOutbox(queue, siteCtx.Secondaries)
		return st, nil
	}

	logger.WithField("driver", conf.DB.Driver).Info("establishing database connection")
	db, err := openSQL(ctx, conf.DB)
	if err != nil {
		return nil, err
	}
	st.closers = append(st.closers, db.Close)
	logger.Info("database connection established")

	st.registry = datastore.NewSQLRegistry(db)
	st.catalog = datastore.NewSQLCatalog(db)
	st.outbox = datastore.NewSQLOutbox(db, siteCtx.Secondaries)

	eventsConf := conf.DB
	eventsDB := db
	if siteCtx.IsSecondary() && conf.SeparateEventsDB() {
		eventsConf = conf.EventsDatabase()
		eventsDB, err = openSQL(ctx, eventsConf)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("events database: %w", err)
		}
		st.closers = append(st.closers, eventsDB.Close)
	}
	st.queue = datastore.NewSQLEventQueue(eventsDB)

	if eventsDB.Dialect == glsql.Postgres {
		st.listener = datastore.NewListener(eventsConf, logger)
	}

	return st, nil
}

func openSQL(ctx context.Context, conf config.DB) (*glsql.DB, error) {
	db, err := glsql.OpenDB(ctx, conf)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	return db, nil
}

// Close releases the database connections.
func (st *stores) Close() {
	for i := len(st.closers) - 1; i >= 0; i-- {
		if err := st.closers[i](); err != nil {
			printfErr("sql close: %v\n", err)
		}
	}
	st.closers = nil
}

package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore/glsql"
)

// EventsChannel is the PostgreSQL notification channel pinged when events
// are committed.
const EventsChannel = "geo_events"

// Mutation is a change of primary state. SQL backed stores run it inside
// the transaction that also records the lifecycle event. In-memory stores
// pass a nil Querier.
type Mutation func(ctx context.Context, q glsql.Querier) error

// Outbox commits state changes together with the lifecycle events
// describing them.
type Outbox interface {
	// CommitWithEvent applies the mutation and enqueues the event for every
	// secondary site atomically: either both are durable or neither is.
	CommitWithEvent(ctx context.Context, mutation Mutation, event LifecycleEvent) ([]QueuedEvent, error)
}

// SQLOutbox is the transactional outbox of an SQL database.
type SQLOutbox struct {
	db    *glsql.DB
	sites []string
	now   func() time.Time
}

// NewSQLOutbox returns an Outbox that enqueues events for the given sites.
func NewSQLOutbox(db *glsql.DB, sites []string) *SQLOutbox {
	return &SQLOutbox{db: db, sites: sites, now: time.Now}
}

func (o *SQLOutbox) CommitWithEvent(ctx context.Context, mutation Mutation, event LifecycleEvent) ([]QueuedEvent, error) {
	if event.EmittedAt.IsZero() {
		event.EmittedAt = o.now().UTC()
	}

	var queued []QueuedEvent
	if err := o.db.InTransaction(ctx, func(tx glsql.Querier) error {
		queued = queued[:0]
		if err := mutation(ctx, tx); err != nil {
			return err
		}

		for _, site := range o.sites {
			e, err := enqueueEvent(ctx, tx, site, event, o.now())
			if err != nil {
				return err
			}
			queued = append(queued, e)
		}

		if o.db.Dialect != glsql.Postgres || len(o.sites) == 0 {
			return nil
		}

		// NOTIFY is delivered on commit only.
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("notification payload: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, EventsChannel, string(payload)); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return queued, nil
}

// MemoryOutbox serializes mutations and enqueues into a MemoryEventQueue.
type MemoryOutbox struct {
	mu    sync.Mutex
	queue *MemoryEventQueue
	sites []string
}

// NewMemoryOutbox returns an Outbox for in-memory stores.
func NewMemoryOutbox(queue *MemoryEventQueue, sites []string) *MemoryOutbox {
	return &MemoryOutbox{queue: queue, sites: sites}
}

func (o *MemoryOutbox) CommitWithEvent(ctx context.Context, mutation Mutation, event LifecycleEvent) ([]QueuedEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := mutation(ctx, nil); err != nil {
		return nil, err
	}

	if event.EmittedAt.IsZero() {
		event.EmittedAt = o.queue.now().UTC()
	}

	o.queue.Lock()
	defer o.queue.Unlock()

	queued := make([]QueuedEvent, 0, len(o.sites))
	for _, site := range o.sites {
		queued = append(queued, o.queue.enqueue(site, event))
	}
	return queued, nil
}

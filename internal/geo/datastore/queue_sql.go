package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/commonerr"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore/glsql"
)

const eventColumns = `id, site, state, attempt, replicable_type, replicable_id, event_kind, emitted_at, created_at, updated_at`

// SQLEventQueue is an EventQueue stored in the geo_event_queue table.
type SQLEventQueue struct {
	db  *glsql.DB
	now func() time.Time
}

// NewSQLEventQueue returns an EventQueue backed by the database.
func NewSQLEventQueue(db *glsql.DB) *SQLEventQueue {
	return &SQLEventQueue{db: db, now: time.Now}
}

func scanEvent(row rowScanner) (QueuedEvent, error) {
	var e QueuedEvent
	var updatedAt sql.NullTime
	if err := row.Scan(
		&e.ID, &e.Site, &e.State, &e.Attempt,
		&e.Event.ReplicableType, &e.Event.ReplicableID, &e.Event.Kind, &e.Event.EmittedAt,
		&e.CreatedAt, &updatedAt,
	); err != nil {
		return QueuedEvent{}, err
	}

	e.Event.EmittedAt = e.Event.EmittedAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = glsql.NullTime(updatedAt)
	return e, nil
}

func scanEvents(rows *sql.Rows) ([]QueuedEvent, error) {
	defer rows.Close()

	var events []QueuedEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING gives no ordering guarantees.
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}

// enqueueEvent inserts the event with the given querier so it can take part
// in a surrounding transaction.
func enqueueEvent(ctx context.Context, q glsql.Querier, site string, event LifecycleEvent, now time.Time) (QueuedEvent, error) {
	queued, err := scanEvent(q.QueryRowContext(ctx, `
		INSERT INTO geo_event_queue (site, state, attempt, replicable_type, replicable_id, event_kind, emitted_at, created_at)
		VALUES ($1, 'ready', $2, $3, $4, $5, $6, $7)
		RETURNING `+eventColumns,
		site, defaultAttempts, event.ReplicableType, event.ReplicableID, string(event.Kind), event.EmittedAt.UTC(), now.UTC(),
	))
	if err != nil {
		return QueuedEvent{}, commonerr.StoreUnavailable("enqueue event", err)
	}
	return queued, nil
}

func (q *SQLEventQueue) Enqueue(ctx context.Context, site string, event LifecycleEvent) (QueuedEvent, error) {
	return enqueueEvent(ctx, q.db.Querier(), site, event, q.now())
}

func (q *SQLEventQueue) Dequeue(ctx context.Context, site string, count int) ([]QueuedEvent, error) {
	rows, err := q.db.Querier().QueryContext(ctx, `
		UPDATE geo_event_queue
		SET state = 'in_progress', attempt = attempt - 1, updated_at = $3
		WHERE id IN (
			SELECT id FROM geo_event_queue
			WHERE site = $1 AND state IN ('ready', 'failed')
			ORDER BY id
			LIMIT $2
			`+q.db.Dialect.SkipLocked()+`
		)
		RETURNING `+eventColumns,
		site, sqlLimit(count), q.now().UTC(),
	)
	if err != nil {
		return nil, commonerr.StoreUnavailable("dequeue events", err)
	}

	events, err := scanEvents(rows)
	if err != nil {
		return nil, commonerr.StoreUnavailable("dequeue events", err)
	}
	return events, nil
}

func inClause(first int, ids []uint64) (string, []interface{}) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", first+i)
		args[i] = int64(id)
	}
	return "(" + strings.Join(placeholders, ", ") + ")", args
}

func (q *SQLEventQueue) Acknowledge(ctx context.Context, state JobState, ids []uint64) ([]uint64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	if err := allowToAck(state); err != nil {
		return nil, err
	}

	var acknowledged []uint64
	if err := q.db.InTransaction(ctx, func(tx glsql.Querier) error {
		if state == JobStateFailed {
			in, args := inClause(1, ids)
			var exhausted int
			if err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM geo_event_queue
				WHERE id IN `+in+` AND state = 'in_progress' AND attempt <= 0`,
				args...,
			).Scan(&exhausted); err != nil {
				return commonerr.StoreUnavailable("acknowledge events", err)
			}

			if exhausted > 0 {
				return errDeadAckedAsFailed
			}
		}

		var query string
		var args []interface{}
		if state == JobStateCompleted {
			in, idArgs := inClause(1, ids)
			query = `DELETE FROM geo_event_queue WHERE id IN ` + in + ` AND state = 'in_progress' RETURNING id`
			args = idArgs
		} else {
			in, idArgs := inClause(3, ids)
			query = `UPDATE geo_event_queue SET state = $1, updated_at = $2
				WHERE id IN ` + in + ` AND state = 'in_progress' RETURNING id`
			args = append([]interface{}{string(state), q.now().UTC()}, idArgs...)
		}

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return commonerr.StoreUnavailable("acknowledge events", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("acknowledge events: scan: %w", err)
			}
			acknowledged = append(acknowledged, uint64(id))
		}
		return rows.Err()
	}); err != nil {
		return nil, err
	}

	sort.Slice(acknowledged, func(i, j int) bool { return acknowledged[i] < acknowledged[j] })
	return acknowledged, nil
}

func (q *SQLEventQueue) AcknowledgeStale(ctx context.Context, staleAfter time.Duration) error {
	now := q.now().UTC()
	if _, err := q.db.Querier().ExecContext(ctx, `
		UPDATE geo_event_queue
		SET state = CASE WHEN attempt > 0 THEN 'failed' ELSE 'dead' END, updated_at = $1
		WHERE state = 'in_progress' AND updated_at < $2`,
		now, now.Add(-staleAfter),
	); err != nil {
		return commonerr.StoreUnavailable("acknowledge stale events", err)
	}
	return nil
}

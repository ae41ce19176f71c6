package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/commonerr"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore/glsql"
)

const registryColumns = `replicable_type, replicable_id, site,
	sync_state, retry_count, last_sync_failure, failure_kind, next_retry_at, last_synced_at,
	state_changed_at, resync_requested,
	verification_state, checksum, verification_failure, verification_started_at, verified_at,
	checksum_mismatch, mismatch_count,
	lock_version, created_at, updated_at`

// SQLRegistry is a Registry backed by PostgreSQL or SQLite. Updates are
// optimistic: every write is guarded by the lock_version column.
type SQLRegistry struct {
	db  *glsql.DB
	q   glsql.Querier
	now func() time.Time
}

// NewSQLRegistry returns a Registry stored in the geo_registry table.
func NewSQLRegistry(db *glsql.DB) *SQLRegistry {
	return &SQLRegistry{db: db, q: db.Querier(), now: time.Now}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (RegistryEntry, error) {
	var e RegistryEntry
	var failureKind string
	var nextRetryAt, lastSyncedAt, verificationStartedAt, verifiedAt sql.NullTime

	if err := row.Scan(
		&e.Type, &e.ID, &e.Site,
		&e.SyncState, &e.RetryCount, &e.LastSyncFailure, &failureKind, &nextRetryAt, &lastSyncedAt,
		&e.StateChangedAt, &e.ResyncRequested,
		&e.VerificationState, &e.Checksum, &e.VerificationFailure, &verificationStartedAt, &verifiedAt,
		&e.ChecksumMismatch, &e.MismatchCount,
		&e.LockVersion, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return RegistryEntry{}, err
	}

	e.FailureKind = commonerr.Kind(failureKind)
	e.NextRetryAt = glsql.NullTime(nextRetryAt)
	e.LastSyncedAt = glsql.NullTime(lastSyncedAt)
	e.VerificationStartedAt = glsql.NullTime(verificationStartedAt)
	e.VerifiedAt = glsql.NullTime(verifiedAt)
	e.StateChangedAt = e.StateChangedAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()

	return e, nil
}

func (r *SQLRegistry) query(ctx context.Context, op, query string, args ...interface{}) ([]RegistryEntry, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, commonerr.StoreUnavailable(op, err)
	}
	defer rows.Close()

	var entries []RegistryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, commonerr.StoreUnavailable(op, err)
	}

	return entries, nil
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return math.MaxInt32
	}
	return limit
}

func (r *SQLRegistry) Upsert(ctx context.Context, key RegistryKey) (RegistryEntry, error) {
	now := r.now().UTC()
	if _, err := r.q.ExecContext(ctx, `
		INSERT INTO geo_registry (replicable_type, replicable_id, site, state_changed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4, $4)
		ON CONFLICT (replicable_type, replicable_id, site) DO NOTHING`,
		key.Type, key.ID, key.Site, now,
	); err != nil {
		return RegistryEntry{}, commonerr.StoreUnavailable("registry upsert", err)
	}

	return r.Get(ctx, key)
}

func (r *SQLRegistry) Get(ctx context.Context, key RegistryKey) (RegistryEntry, error) {
	e, err := scanEntry(r.q.QueryRowContext(ctx, `
		SELECT `+registryColumns+`
		FROM geo_registry
		WHERE replicable_type = $1 AND replicable_id = $2 AND site = $3`,
		key.Type, key.ID, key.Site,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RegistryEntry{}, ErrEntryNotFound
		}
		return RegistryEntry{}, commonerr.StoreUnavailable("registry get", err)
	}
	return e, nil
}

// Update implements optimistic compare-and-set: the write only lands when
// lock_version still has the value read before applying fn.
func (r *SQLRegistry) Update(ctx context.Context, key RegistryKey, fn UpdateFunc) (bool, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		before, err := r.Get(ctx, key)
		if err != nil {
			return false, err
		}

		after := before
		if !fn(&after) {
			return false, nil
		}
		stamp(before, &after, r.now().UTC())

		res, err := r.q.ExecContext(ctx, `
			UPDATE geo_registry SET
				sync_state = $5,
				retry_count = $6,
				last_sync_failure = $7,
				failure_kind = $8,
				next_retry_at = $9,
				last_synced_at = $10,
				state_changed_at = $11,
				resync_requested = $12,
				verification_state = $13,
				checksum = $14,
				verification_failure = $15,
				verification_started_at = $16,
				verified_at = $17,
				checksum_mismatch = $18,
				mismatch_count = $19,
				lock_version = $20,
				updated_at = $21
			WHERE replicable_type = $1 AND replicable_id = $2 AND site = $3 AND lock_version = $4`,
			key.Type, key.ID, key.Site, before.LockVersion,
			string(after.SyncState), after.RetryCount, after.LastSyncFailure, string(after.FailureKind),
			glsql.TimeArg(after.NextRetryAt), glsql.TimeArg(after.LastSyncedAt),
			after.StateChangedAt.UTC(), after.ResyncRequested,
			string(after.VerificationState), after.Checksum, after.VerificationFailure,
			glsql.TimeArg(after.VerificationStartedAt), glsql.TimeArg(after.VerifiedAt),
			after.ChecksumMismatch, after.MismatchCount,
			after.LockVersion, after.UpdatedAt,
		)
		if err != nil {
			return false, commonerr.StoreUnavailable("registry update", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return false, commonerr.StoreUnavailable("registry update", err)
		}

		if affected == 1 {
			return true, nil
		}
	}

	return false, commonerr.LeaseConflict("registry update", fmt.Errorf("%s kept changing after %d attempts", key, maxUpdateAttempts))
}

func (r *SQLRegistry) Delete(ctx context.Context, key RegistryKey) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		DELETE FROM geo_registry
		WHERE replicable_type = $1 AND replicable_id = $2 AND site = $3`,
		key.Type, key.ID, key.Site,
	)
	if err != nil {
		return false, commonerr.StoreUnavailable("registry delete", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, commonerr.StoreUnavailable("registry delete", err)
	}
	return affected > 0, nil
}

func (r *SQLRegistry) DeleteSite(ctx context.Context, site string) (int64, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM geo_registry WHERE site = $1`, site)
	if err != nil {
		return 0, commonerr.StoreUnavailable("registry delete site", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, commonerr.StoreUnavailable("registry delete site", err)
	}
	return affected, nil
}

func (r *SQLRegistry) DueForSync(ctx context.Context, site string, limit int, now time.Time) ([]RegistryEntry, error) {
	return r.query(ctx, "registry due for sync", `
		SELECT `+registryColumns+`
		FROM geo_registry
		WHERE site = $1 AND (
			(sync_state = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= $2))
			OR (sync_state = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= $2)
		)
		ORDER BY state_changed_at, replicable_type, replicable_id
		LIMIT $3`,
		site, now.UTC(), sqlLimit(limit),
	)
}

func (r *SQLRegistry) DueForVerification(ctx context.Context, site string, limit int) ([]RegistryEntry, error) {
	return r.query(ctx, "registry due for verification", `
		SELECT `+registryColumns+`
		FROM geo_registry
		WHERE site = $1 AND sync_state = 'synced' AND verification_state = 'pending'
		ORDER BY state_changed_at, replicable_type, replicable_id
		LIMIT $2`,
		site, sqlLimit(limit),
	)
}

func (r *SQLRegistry) DueForReverification(ctx context.Context, site string, state VerificationState, verifiedBefore time.Time, limit int) ([]RegistryEntry, error) {
	return r.query(ctx, "registry due for reverification", `
		SELECT `+registryColumns+`
		FROM geo_registry
		WHERE site = $1 AND sync_state = 'synced' AND verification_state = $2 AND verified_at < $3
		ORDER BY verified_at, replicable_type, replicable_id
		LIMIT $4`,
		site, string(state), verifiedBefore.UTC(), sqlLimit(limit),
	)
}

func (r *SQLRegistry) StaleStarted(ctx context.Context, site string, before time.Time, limit int) ([]RegistryEntry, error) {
	return r.query(ctx, "registry stale started", `
		SELECT `+registryColumns+`
		FROM geo_registry
		WHERE site = $1 AND sync_state = 'started' AND state_changed_at < $2
		ORDER BY state_changed_at, replicable_type, replicable_id
		LIMIT $3`,
		site, before.UTC(), sqlLimit(limit),
	)
}

func (r *SQLRegistry) StaleVerificationStarted(ctx context.Context, site string, before time.Time, limit int) ([]RegistryEntry, error) {
	return r.query(ctx, "registry stale verification", `
		SELECT `+registryColumns+`
		FROM geo_registry
		WHERE site = $1 AND verification_state = 'started' AND verification_started_at < $2
		ORDER BY state_changed_at, replicable_type, replicable_id
		LIMIT $3`,
		site, before.UTC(), sqlLimit(limit),
	)
}

func (r *SQLRegistry) List(ctx context.Context, filter ListFilter) ([]RegistryEntry, error) {
	var conditions []string
	var args []interface{}
	add := func(condition string, arg interface{}) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}

	if filter.Site != "" {
		add("site = $%d", filter.Site)
	}
	if filter.Type != "" {
		add("replicable_type = $%d", filter.Type)
	}
	if filter.SyncState != "" {
		add("sync_state = $%d", string(filter.SyncState))
	}
	if filter.VerificationState != "" {
		add("verification_state = $%d", string(filter.VerificationState))
	}
	if filter.FailureKind != "" {
		add("failure_kind = $%d", filter.FailureKind)
	}
	if filter.AfterID > 0 {
		add("replicable_id > $%d", filter.AfterID)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	args = append(args, sqlLimit(filter.Limit))
	return r.query(ctx, "registry list", fmt.Sprintf(`
		SELECT %s
		FROM geo_registry
		%s
		ORDER BY replicable_type, replicable_id
		LIMIT $%d`, registryColumns, where, len(args)),
		args...,
	)
}

func (r *SQLRegistry) CountByState(ctx context.Context, site string) (StateCounts, error) {
	counts := newStateCounts()

	for _, column := range []string{"sync_state", "verification_state"} {
		rows, err := r.q.QueryContext(ctx, `
			SELECT `+column+`, COUNT(*)
			FROM geo_registry
			WHERE site = $1
			GROUP BY `+column,
			site,
		)
		if err != nil {
			return StateCounts{}, commonerr.StoreUnavailable("registry count", err)
		}

		for rows.Next() {
			var state string
			var count int64
			if err := rows.Scan(&state, &count); err != nil {
				rows.Close()
				return StateCounts{}, fmt.Errorf("registry count: scan: %w", err)
			}

			if column == "sync_state" {
				counts.Sync[SyncState(state)] = count
			} else {
				counts.Verification[VerificationState(state)] = count
			}
		}

		err = rows.Err()
		rows.Close()
		if err != nil {
			return StateCounts{}, commonerr.StoreUnavailable("registry count", err)
		}
	}

	return counts, nil
}

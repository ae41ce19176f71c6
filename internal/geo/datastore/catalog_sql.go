package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/commonerr"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore/glsql"
)

const replicableColumns = `replicable_type, replicable_id, path, size, immutable, checksummable, checksum, pool_path, oid`

// SQLCatalog is a Catalog stored in the geo_replicables table.
type SQLCatalog struct {
	q   glsql.Querier
	now func() time.Time
}

// NewSQLCatalog returns a Catalog backed by the database.
func NewSQLCatalog(db *glsql.DB) *SQLCatalog {
	return &SQLCatalog{q: db.Querier(), now: time.Now}
}

func scanReplicable(row rowScanner) (Replicable, error) {
	var r Replicable
	if err := row.Scan(&r.Type, &r.ID, &r.Path, &r.Size, &r.Immutable, &r.Checksummable, &r.Checksum, &r.PoolPath, &r.OID); err != nil {
		return Replicable{}, err
	}
	r.Exists = true
	return r, nil
}

func (c *SQLCatalog) getOne(ctx context.Context, op, query string, args ...interface{}) (Replicable, error) {
	r, err := scanReplicable(c.q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Replicable{}, ErrReplicableNotFound
		}
		return Replicable{}, commonerr.StoreUnavailable(op, err)
	}
	return r, nil
}

func (c *SQLCatalog) Get(ctx context.Context, typ string, id int64) (Replicable, error) {
	return c.getOne(ctx, "catalog get", `
		SELECT `+replicableColumns+`
		FROM geo_replicables
		WHERE replicable_type = $1 AND replicable_id = $2`,
		typ, id,
	)
}

func (c *SQLCatalog) ListIDs(ctx context.Context, typ string, afterID int64, limit int) ([]int64, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT replicable_id
		FROM geo_replicables
		WHERE replicable_type = $1 AND replicable_id > $2
		ORDER BY replicable_id
		LIMIT $3`,
		typ, afterID, sqlLimit(limit),
	)
	if err != nil {
		return nil, commonerr.StoreUnavailable("catalog list", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("catalog list: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (c *SQLCatalog) FindByPath(ctx context.Context, typ, path string) (Replicable, error) {
	return c.getOne(ctx, "catalog find by path", `
		SELECT `+replicableColumns+`
		FROM geo_replicables
		WHERE replicable_type = $1 AND path = $2
		ORDER BY replicable_id
		LIMIT 1`,
		typ, path,
	)
}

func (c *SQLCatalog) FindByOID(ctx context.Context, oid string) (Replicable, error) {
	if oid == "" {
		return Replicable{}, ErrReplicableNotFound
	}
	return c.getOne(ctx, "catalog find by oid", `
		SELECT `+replicableColumns+`
		FROM geo_replicables
		WHERE oid = $1
		ORDER BY replicable_type, replicable_id
		LIMIT 1`,
		oid,
	)
}

func (c *SQLCatalog) NextID(ctx context.Context, typ string) (int64, error) {
	var id int64
	if err := c.q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(replicable_id), 0) + 1
		FROM geo_replicables
		WHERE replicable_type = $1`,
		typ,
	).Scan(&id); err != nil {
		return 0, commonerr.StoreUnavailable("catalog next id", err)
	}
	return id, nil
}

func (c *SQLCatalog) Save(r Replicable) Mutation {
	return func(ctx context.Context, q glsql.Querier) error {
		if q == nil {
			q = c.q
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO geo_replicables (`+replicableColumns+`, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (replicable_type, replicable_id) DO UPDATE SET
				path = EXCLUDED.path,
				size = EXCLUDED.size,
				immutable = EXCLUDED.immutable,
				checksummable = EXCLUDED.checksummable,
				checksum = EXCLUDED.checksum,
				pool_path = EXCLUDED.pool_path,
				oid = EXCLUDED.oid,
				updated_at = EXCLUDED.updated_at`,
			r.Type, r.ID, r.Path, r.Size, r.Immutable, r.Checksummable, r.Checksum, r.PoolPath, r.OID, c.now().UTC(),
		)
		if err != nil {
			return commonerr.StoreUnavailable("catalog save", err)
		}
		return nil
	}
}

func (c *SQLCatalog) Remove(typ string, id int64) Mutation {
	return func(ctx context.Context, q glsql.Querier) error {
		if q == nil {
			q = c.q
		}
		if _, err := q.ExecContext(ctx, `
			DELETE FROM geo_replicables WHERE replicable_type = $1 AND replicable_id = $2`,
			typ, id,
		); err != nil {
			return commonerr.StoreUnavailable("catalog remove", err)
		}
		return nil
	}
}

func (c *SQLCatalog) SetChecksum(ctx context.Context, typ string, id int64, checksum string) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE geo_replicables SET checksum = $3, updated_at = $4
		WHERE replicable_type = $1 AND replicable_id = $2`,
		typ, id, checksum, c.now().UTC(),
	)
	if err != nil {
		return commonerr.StoreUnavailable("catalog set checksum", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return commonerr.StoreUnavailable("catalog set checksum", err)
	}
	if affected == 0 {
		return ErrReplicableNotFound
	}
	return nil
}

func (c *SQLCatalog) MissingChecksums(ctx context.Context, typ string, limit int) ([]Replicable, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT `+replicableColumns+`
		FROM geo_replicables
		WHERE checksummable AND checksum = '' AND (CAST($1 AS TEXT) = '' OR replicable_type = $1)
		ORDER BY replicable_type, replicable_id
		LIMIT $2`,
		typ, sqlLimit(limit),
	)
	if err != nil {
		return nil, commonerr.StoreUnavailable("catalog missing checksums", err)
	}
	defer rows.Close()

	var result []Replicable
	for rows.Next() {
		r, err := scanReplicable(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog missing checksums: scan: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

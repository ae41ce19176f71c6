package datastore

import (
	"context"
	"errors"
)

// ErrReplicableNotFound is returned when the primary has no replicable with
// the requested identity.
var ErrReplicableNotFound = errors.New("replicable not found")

// Catalog is the primary site's list of replicables. Writes are returned as
// Mutations so they can be committed through an Outbox together with the
// lifecycle event announcing them.
type Catalog interface {
	Get(ctx context.Context, typ string, id int64) (Replicable, error)
	// ListIDs pages through the IDs of one type in ascending order.
	ListIDs(ctx context.Context, typ string, afterID int64, limit int) ([]int64, error)
	FindByPath(ctx context.Context, typ, path string) (Replicable, error)
	FindByOID(ctx context.Context, oid string) (Replicable, error)
	// NextID returns an ID above every ID of the type.
	NextID(ctx context.Context, typ string) (int64, error)
	// Save returns a Mutation creating or replacing the replicable. The
	// stored checksum is cleared unless r carries one.
	Save(r Replicable) Mutation
	// Remove returns a Mutation deleting the replicable.
	Remove(typ string, id int64) Mutation
	SetChecksum(ctx context.Context, typ string, id int64, checksum string) error
	// MissingChecksums returns checksummable replicables without a primary
	// checksum. An empty type matches all types.
	MissingChecksums(ctx context.Context, typ string, limit int) ([]Replicable, error)
}

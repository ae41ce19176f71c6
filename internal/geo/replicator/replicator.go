// Package replicator moves content of replicables from the primary to the
// local site. A Replicator binds a replicable type to the Strategy that
// knows how its content is transferred and stored.
package replicator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/commonerr"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore"
)

// ModelAdapter returns the current primary-side projection of a replicable.
// Exists is false when the primary doesn't know it.
type ModelAdapter interface {
	ModelFor(ctx context.Context, typ string, id int64) (datastore.Replicable, error)
}

// ContentHandle is content fetched from the primary, ready to be stored.
type ContentHandle interface {
	io.Closer
}

// Strategy transfers and stores the content of one kind of replicable.
// Errors are classified with commonerr before they are returned.
type Strategy interface {
	Fetch(ctx context.Context, r datastore.Replicable) (ContentHandle, error)
	// Store persists the fetched content locally and returns its size.
	Store(ctx context.Context, r datastore.Replicable, h ContentHandle) (int64, error)
	// Destroy removes the local replica. Only the type and ID of r are
	// guaranteed to be set.
	Destroy(ctx context.Context, r datastore.Replicable) error
}

// Verifiable is implemented by strategies whose local content can be
// checksummed for comparison with the primary checksum.
type Verifiable interface {
	Checksum(ctx context.Context, r datastore.Replicable) (string, error)
}

// Housekeeper is implemented by strategies that have follow-up work after
// a sync, like linking object pools.
type Housekeeper interface {
	NeedsHousekeeping(ctx context.Context, r datastore.Replicable) (bool, error)
	BeforeHousekeeping(ctx context.Context, r datastore.Replicable) error
}

// Replicator syncs replicables of one type.
type Replicator struct {
	Type     string
	Model    ModelAdapter
	Strategy Strategy
	// Verification enables checksum verification of the type when the
	// strategy supports it.
	Verification bool
	logger       logrus.FieldLogger
}

// New returns a Replicator for typ.
func New(typ string, model ModelAdapter, strategy Strategy, verification bool, logger logrus.FieldLogger) *Replicator {
	return &Replicator{
		Type:         typ,
		Model:        model,
		Strategy:     strategy,
		Verification: verification,
		logger:       logger.WithFields(logrus.Fields{"component": "replicator", "replicable_type": typ}),
	}
}

// Sync fetches the replicable from the primary and stores it locally. It
// returns the primary projection the replica was synced from.
func (r *Replicator) Sync(ctx context.Context, id int64) (datastore.Replicable, error) {
	model, err := r.Model.ModelFor(ctx, r.Type, id)
	if err != nil {
		return datastore.Replicable{}, commonerr.Classify("model", err, commonerr.KindTransientIO)
	}
	if !model.Exists {
		return model, commonerr.SourceMissing("model", fmt.Errorf("%s %d does not exist on the primary", r.Type, id))
	}

	h, err := r.Strategy.Fetch(ctx, model)
	if err != nil {
		return model, commonerr.Classify("fetch", err, commonerr.KindTransientIO)
	}
	defer h.Close()

	size, err := r.Strategy.Store(ctx, model, h)
	if err != nil {
		return model, commonerr.Classify("store", err, commonerr.KindTransientIO)
	}

	logger := r.logger.WithFields(logrus.Fields{"replicable_id": id, "size": size})
	if hk, ok := r.Strategy.(Housekeeper); ok {
		r.housekeep(ctx, hk, model, logger)
	}

	logger.Debug("replicable synced")
	return model, nil
}

// housekeep runs opportunistic maintenance. Its failures never fail a sync.
func (r *Replicator) housekeep(ctx context.Context, hk Housekeeper, model datastore.Replicable, logger logrus.FieldLogger) {
	needed, err := hk.NeedsHousekeeping(ctx, model)
	if err != nil {
		logger.WithError(err).Warn("checking housekeeping failed")
		return
	}
	if !needed {
		return
	}

	if err := hk.BeforeHousekeeping(ctx, model); err != nil {
		logger.WithError(err).Warn("housekeeping failed")
	}
}

// VerificationEnabled reports whether replicas of this type are verified.
func (r *Replicator) VerificationEnabled() bool {
	_, ok := r.Strategy.(Verifiable)
	return r.Verification && ok
}

// Checksum computes the checksum of the local replica.
func (r *Replicator) Checksum(ctx context.Context, model datastore.Replicable) (string, error) {
	v, ok := r.Strategy.(Verifiable)
	if !ok || !model.Checksummable {
		return "", commonerr.ChecksumUnsupported("checksum", fmt.Errorf("%s %d can't be checksummed", r.Type, model.ID))
	}

	sum, err := v.Checksum(ctx, model)
	if err != nil {
		return "", commonerr.Classify("checksum", err, commonerr.KindTransientIO)
	}
	return sum, nil
}

// Destroy removes the local replica.
func (r *Replicator) Destroy(ctx context.Context, id int64) error {
	if err := r.Strategy.Destroy(ctx, datastore.Replicable{Type: r.Type, ID: id}); err != nil {
		return commonerr.Classify("destroy", err, commonerr.KindTransientIO)
	}
	return nil
}

// ErrUnknownType is returned for replicable types without a Replicator.
var ErrUnknownType = errors.New("unknown replicable type")

// Registry is the table of replicators built at startup.
type Registry struct {
	mu          sync.RWMutex
	replicators map[string]*Replicator
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{replicators: map[string]*Replicator{}}
}

// Register adds r. Registering a type twice is an error.
func (reg *Registry) Register(r *Replicator) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, ok := reg.replicators[r.Type]; ok {
		return fmt.Errorf("replicator for %q already registered", r.Type)
	}
	reg.replicators[r.Type] = r
	return nil
}

// Lookup returns the Replicator of typ.
func (reg *Registry) Lookup(typ string) (*Replicator, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	r, ok := reg.replicators[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	return r, nil
}

// Types returns the registered types in lexical order.
func (reg *Registry) Types() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	types := make([]string, 0, len(reg.replicators))
	for typ := range reg.replicators {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

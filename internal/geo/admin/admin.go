// Package admin implements the operator commands of a secondary site on
// top of the registry state machine.
package admin

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/events"
)

// Admin runs operator commands against a registry.
type Admin struct {
	log      logrus.FieldLogger
	registry datastore.Registry
}

// New returns an Admin of registry.
func New(logger logrus.FieldLogger, registry datastore.Registry) *Admin {
	return &Admin{log: logger.WithField("component", "admin"), registry: registry}
}

// ForceResync makes the entry due right away, ignoring its backoff. A
// failed entry is retried even if its source was missing. The entry is
// created when the registry doesn't know it yet.
func (a *Admin) ForceResync(ctx context.Context, key datastore.RegistryKey) error {
	if err := events.Resync(ctx, a.registry, key); err != nil {
		return fmt.Errorf("force resync %s: %w", key, err)
	}
	a.log.WithField("registry_key", key.String()).Info("resync forced")
	return nil
}

// ForceReverify makes the entry's verification pending again. A running
// verification loses its lease and doesn't record its result.
func (a *Admin) ForceReverify(ctx context.Context, key datastore.RegistryKey) error {
	if _, err := a.registry.Update(ctx, key, func(e *datastore.RegistryEntry) bool {
		e.VerificationState = datastore.VerificationPending
		e.VerificationStartedAt = nil
		e.VerificationFailure = ""
		return true
	}); err != nil {
		return fmt.Errorf("force reverify %s: %w", key, err)
	}
	a.log.WithField("registry_key", key.String()).Info("reverification forced")
	return nil
}

// Status returns the number of entries per state of the site.
func (a *Admin) Status(ctx context.Context, site string) (datastore.StateCounts, error) {
	return a.registry.CountByState(ctx, site)
}

// List returns the entries matching filter.
func (a *Admin) List(ctx context.Context, filter datastore.ListFilter) ([]datastore.RegistryEntry, error) {
	return a.registry.List(ctx, filter)
}

// Decommission removes all entries of a site that no longer replicates.
func (a *Admin) Decommission(ctx context.Context, site string) (int64, error) {
	removed, err := a.registry.DeleteSite(ctx, site)
	if err != nil {
		return 0, fmt.Errorf("decommission %s: %w", site, err)
	}
	a.log.WithFields(logrus.Fields{"site": site, "removed": removed}).Info("site decommissioned")
	return removed, nil
}

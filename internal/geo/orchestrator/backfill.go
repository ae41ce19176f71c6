package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/site"
	"gitlab.com/gitlab-org/gitlab-geo/internal/helper"
)

// IDLister pages through the IDs of the replicables the primary knows.
type IDLister interface {
	ListIDs(ctx context.Context, typ string, afterID int64, limit int) ([]int64, error)
}

// Backfiller creates registry entries for replicables that exist on the
// primary but never reached the secondary through an event, for example
// because they predate the secondary.
type Backfiller struct {
	log       logrus.FieldLogger
	site      site.Context
	registry  datastore.Registry
	lister    IDLister
	types     []string
	batchSize int
	created   *prometheus.CounterVec
}

// NewBackfiller returns a Backfiller for the given replicable types.
func NewBackfiller(logger logrus.FieldLogger, siteCtx site.Context, registry datastore.Registry, lister IDLister, types []string, batchSize int) *Backfiller {
	return &Backfiller{
		log:       logger.WithFields(logrus.Fields{"component": "backfiller", "site": siteCtx.Name}),
		site:      siteCtx,
		registry:  registry,
		lister:    lister,
		types:     types,
		batchSize: batchSize,
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitlab_geo_backfill_created_total",
			Help: "Number of registry entries created by backfill.",
		}, []string{"type"}),
	}
}

func (b *Backfiller) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(b, ch)
}

func (b *Backfiller) Collect(ch chan<- prometheus.Metric) {
	b.created.Collect(ch)
}

// Run backfills on each tick the Ticker emits. Run returns when the context
// is canceled, returning the error from the context.
func (b *Backfiller) Run(ctx context.Context, ticker helper.Ticker) error {
	b.log.WithField("types", b.types).Info("backfill started")
	defer b.log.Info("backfill stopped")

	defer ticker.Stop()

	for {
		ticker.Reset()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if _, err := b.Backfill(ctx); err != nil && ctx.Err() == nil {
				b.log.WithError(err).Error("backfill failed")
			}
		}
	}
}

// Backfill pages through all replicables of every type and creates the
// missing registry entries. It returns the number of entries created.
func (b *Backfiller) Backfill(ctx context.Context) (int, error) {
	total := 0
	for _, typ := range b.types {
		created, err := b.backfillType(ctx, typ)
		total += created
		if err != nil {
			return total, fmt.Errorf("backfill %s: %w", typ, err)
		}
		if created > 0 {
			b.log.WithFields(logrus.Fields{"replicable_type": typ, "created": created}).Info("backfilled registry entries")
		}
	}
	return total, nil
}

func (b *Backfiller) backfillType(ctx context.Context, typ string) (int, error) {
	created := 0
	var after int64
	for {
		ids, err := b.lister.ListIDs(ctx, typ, after, b.batchSize)
		if err != nil {
			return created, fmt.Errorf("list ids: %w", err)
		}

		for _, id := range ids {
			key := datastore.RegistryKey{Type: typ, ID: id, Site: b.site.Name}
			if _, err := b.registry.Get(ctx, key); err == nil {
				continue
			} else if !errors.Is(err, datastore.ErrEntryNotFound) {
				return created, err
			}

			if _, err := b.registry.Upsert(ctx, key); err != nil {
				return created, err
			}
			created++
			b.created.WithLabelValues(typ).Inc()
		}

		if len(ids) < b.batchSize || len(ids) == 0 {
			return created, nil
		}
		after = ids[len(ids)-1]
	}
}

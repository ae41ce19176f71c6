package verification

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/blobstore"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/gitrepo"
	"gitlab.com/gitlab-org/gitlab-geo/internal/helper"
)

// ContentChecksummer computes the checksum of content stored on the primary.
type ContentChecksummer interface {
	Checksum(ctx context.Context, r datastore.Replicable) (string, error)
}

// BlobContent checksums blobs stored at their replicable path.
type BlobContent struct{ Store *blobstore.Store }

// Checksum returns the SHA-256 of the blob bytes.
func (c BlobContent) Checksum(ctx context.Context, r datastore.Replicable) (string, error) {
	return c.Store.Checksum(ctx, r.Path)
}

// RepositoryContent checksums repositories stored at their replicable path.
type RepositoryContent struct{ Store *gitrepo.Store }

// Checksum returns the checksum over the references of the repository.
func (c RepositoryContent) Checksum(ctx context.Context, r datastore.Replicable) (string, error) {
	return c.Store.Checksum(ctx, r.Path)
}

// PrimaryChecksummer records checksums of primary content in the catalog so
// secondaries have something to compare their replicas to.
type PrimaryChecksummer struct {
	log       logrus.FieldLogger
	catalog   datastore.Catalog
	content   map[string]ContentChecksummer
	batchSize int
	computed  *prometheus.CounterVec
}

// NewPrimaryChecksummer returns a PrimaryChecksummer. content maps each
// replicable type to the store holding its content.
func NewPrimaryChecksummer(logger logrus.FieldLogger, catalog datastore.Catalog, content map[string]ContentChecksummer, batchSize int) *PrimaryChecksummer {
	return &PrimaryChecksummer{
		log:       logger.WithField("component", "primary_checksummer"),
		catalog:   catalog,
		content:   content,
		batchSize: batchSize,
		computed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitlab_geo_primary_checksums_total",
			Help: "Number of checksums computed on the primary by replicable type and result.",
		}, []string{"type", "result"}),
	}
}

func (p *PrimaryChecksummer) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(p, ch)
}

func (p *PrimaryChecksummer) Collect(ch chan<- prometheus.Metric) {
	p.computed.Collect(ch)
}

// Run checksums on each tick the Ticker emits. Run returns when the context
// is canceled, returning the error from the context.
func (p *PrimaryChecksummer) Run(ctx context.Context, ticker helper.Ticker) error {
	p.log.Info("primary checksummer started")
	defer p.log.Info("primary checksummer stopped")

	defer ticker.Stop()

	for {
		ticker.Reset()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
				p.log.WithError(err).Error("primary checksum pass failed")
			}
		}
	}
}

// RunOnce checksums one batch of replicables that have none yet and returns
// how many were recorded. Content that can't be read is skipped and retried
// on the next pass.
func (p *PrimaryChecksummer) RunOnce(ctx context.Context) (int, error) {
	missing, err := p.catalog.MissingChecksums(ctx, "", p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("missing checksums: %w", err)
	}

	recorded := 0
	for _, r := range missing {
		if ctx.Err() != nil {
			return recorded, ctx.Err()
		}

		logger := p.log.WithFields(logrus.Fields{"replicable_type": r.Type, "replicable_id": r.ID})

		content, ok := p.content[r.Type]
		if !ok {
			p.computed.WithLabelValues(r.Type, "unsupported").Inc()
			continue
		}

		sum, err := content.Checksum(ctx, r)
		if err != nil {
			p.computed.WithLabelValues(r.Type, "failed").Inc()
			logger.WithError(err).Warn("checksumming primary content failed")
			continue
		}

		if err := p.catalog.SetChecksum(ctx, r.Type, r.ID, sum); err != nil {
			return recorded, fmt.Errorf("set checksum: %w", err)
		}
		p.computed.WithLabelValues(r.Type, "computed").Inc()
		recorded++
	}

	return recorded, nil
}

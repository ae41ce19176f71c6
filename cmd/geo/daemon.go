package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/admin"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/auth"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/blobstore"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/config"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/events"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/gitrepo"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/orchestrator"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/primaryclient"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/redirect"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/replicator"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/server"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/verification"
	"gitlab.com/gitlab-org/gitlab-geo/internal/helper"
)

// pollJitter spreads the polling of secondaries sharing a primary.
const pollJitter = 0.1

// daemon is the HTTP handler and background work of one site.
type daemon struct {
	handler    http.Handler
	loops      []loop
	collectors []prometheus.Collector
}

func newPrimaryDaemon(conf config.Config, st *stores, logger logrus.FieldLogger) (*daemon, error) {
	siteCtx := conf.SiteContext()
	secret, err := conf.SharedSecret()
	if err != nil {
		return nil, err
	}

	blobs := blobstore.New(conf.Storage.BlobDir)
	repos := gitrepo.NewStore(conf.Storage.RepositoryDir)

	// Secondaries call the internal API and follow redirects with tokens
	// they issued. The primary signs nothing itself.
	verifier := auth.NewVerifier(secret, siteCtx.KnowsSecondary, conf.Redirect.TokenTTL.Duration(), conf.Redirect.ClockSkew.Duration())
	producer := events.NewProducer(logger, st.outbox)
	primary := server.NewPrimary(logger, st.catalog, producer, blobs, repos, verifier)

	content := map[string]verification.ContentChecksummer{}
	for _, typ := range replicator.BlobTypes {
		content[typ] = verification.BlobContent{Store: blobs}
	}
	for _, typ := range replicator.RepositoryTypes {
		content[typ] = verification.RepositoryContent{Store: repos}
	}
	checksummer := verification.NewPrimaryChecksummer(logger, st.catalog, content, conf.Verification.ChecksumBatchSize)

	d := &daemon{
		handler:    primary.Handler(),
		collectors: []prometheus.Collector{checksummer},
	}
	if conf.Verification.Enabled {
		d.loops = append(d.loops, loop{name: "primary_checksummer", run: func(ctx context.Context) error {
			return checksummer.Run(ctx, helper.NewTimerTicker(conf.Verification.Interval.Duration()))
		}})
	}
	return d, nil
}

func newSecondaryDaemon(conf config.Config, st *stores, logger logrus.FieldLogger) (*daemon, error) {
	siteCtx := conf.SiteContext()
	secret, err := conf.SharedSecret()
	if err != nil {
		return nil, err
	}

	blobs := blobstore.New(conf.Storage.BlobDir)
	repos := gitrepo.NewStore(conf.Storage.RepositoryDir)
	signer := auth.NewSigner(secret, siteCtx.Name, conf.Redirect.TokenTTL.Duration())
	client := primaryclient.New(siteCtx.PrimaryURL, signer, nil)

	replicators, err := newReplicators(client, blobs, repos, conf.Verification.Enabled, logger)
	if err != nil {
		return nil, err
	}

	minLFS, err := version.NewVersion(conf.Redirect.MinLFSVersion)
	if err != nil {
		return nil, fmt.Errorf("min lfs version: %w", err)
	}
	resolver, err := redirect.NewCachingResolver(client, conf.Redirect.ResolverCacheSize)
	if err != nil {
		return nil, fmt.Errorf("resolver cache: %w", err)
	}
	gate := redirect.NewGate(logger, siteCtx, st.registry, resolver, repos, signer, minLFS)
	secondary := server.NewSecondary(logger, siteCtx, gate, admin.New(logger, st.registry), blobs, repos)

	orch := orchestrator.New(logger, siteCtx, st.registry, replicators, conf.Replication, conf.Prometheus.SyncLatencyBuckets)
	consumer := events.NewConsumer(logger, siteCtx, st.queue, st.registry, replicators, conf.Events)

	d := &daemon{
		handler: secondary.Handler(),
		collectors: []prometheus.Collector{
			orch,
			consumer,
			gate,
			resolver,
			datastore.NewRegistryCollector(logger, st.registry, []string{siteCtx.Name}, conf.Prometheus.ScrapeTimeout.Duration()),
		},
		loops: []loop{
			{name: "orchestrator", run: func(ctx context.Context) error {
				return orch.Run(ctx, helper.NewJitterTicker(conf.Replication.PollInterval.Duration(), pollJitter))
			}},
			{name: "event_consumer", run: func(ctx context.Context) error {
				return consumer.Run(ctx, helper.NewTimerTicker(conf.Events.PollInterval.Duration()))
			}},
		},
	}

	if st.listener != nil {
		d.collectors = append(d.collectors, st.listener)
		d.loops = append(d.loops, loop{name: "event_listener", run: func(ctx context.Context) error {
			return st.listener.Listen(ctx, consumer, datastore.EventsChannel)
		}})
	}

	if interval := conf.Replication.BackfillInterval.Duration(); interval > 0 {
		backfiller := orchestrator.NewBackfiller(logger, siteCtx, st.registry, client, replicators.Types(), conf.Replication.BackfillBatchSize)
		d.collectors = append(d.collectors, backfiller)
		d.loops = append(d.loops, loop{name: "backfill", run: func(ctx context.Context) error {
			return backfiller.Run(ctx, helper.NewJitterTicker(interval, pollJitter))
		}})
	} else {
		logger.Warn(`Backfill disabled as "replication.backfill_interval" is not set or 0.`)
	}

	if conf.Verification.Enabled {
		verifier := verification.New(logger, siteCtx, st.registry, replicators, conf.Verification)
		d.collectors = append(d.collectors, verifier)
		d.loops = append(d.loops, loop{name: "verifier", run: func(ctx context.Context) error {
			return verifier.Run(ctx, helper.NewJitterTicker(conf.Verification.Interval.Duration(), pollJitter))
		}})
	}

	return d, nil
}

// newReplicators registers a Replicator for every known replicable type.
// Blob types are fetched over the internal API, repositories through Git.
func newReplicators(client *primaryclient.Client, blobs *blobstore.Store, repos *gitrepo.Store, verify bool, logger logrus.FieldLogger) (*replicator.Registry, error) {
	reg := replicator.NewRegistry()

	blobStrategy := replicator.NewBlobStrategy(client, blobs)
	for _, typ := range replicator.BlobTypes {
		if err := reg.Register(replicator.New(typ, client, blobStrategy, verify, logger)); err != nil {
			return nil, err
		}
	}

	repoStrategy := replicator.NewRepositoryStrategy(client, repos, logger)
	for _, typ := range replicator.RepositoryTypes {
		if err := reg.Register(replicator.New(typ, client, repoStrategy, verify, logger)); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

// Package verification compares checksums of local replicas with the
// checksums the primary recorded for the same replicables. A mismatch is
// treated as drift: the entry is sent back to pending so the orchestrator
// syncs it again.
package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/commonerr"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/config"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/replicator"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/site"
	"gitlab.com/gitlab-org/gitlab-geo/internal/helper"
	"gitlab.com/gitlab-org/gitlab-geo/internal/log"
	"golang.org/x/sync/errgroup"
)

// MismatchMessage is recorded on entries whose replica differs from the
// primary.
const MismatchMessage = "Checksum does not match the primary checksum"

const cleanupTimeout = 30 * time.Second

const (
	resultSucceeded   = "succeeded"
	resultMismatch    = "mismatch"
	resultFailed      = "failed"
	resultDisabled    = "disabled"
	resultNotComputed = "primary_not_computed"
	resultUnavailable = "primary_unavailable"
	resultCancelled   = "cancelled"
	resultLeaseLost   = "lease_lost"
)

// Verifier verifies synced registry entries of the local secondary site.
type Verifier struct {
	log         logrus.FieldLogger
	site        site.Context
	registry    datastore.Registry
	replicators *replicator.Registry
	conf        config.Verification
	now         func() time.Time

	results  *prometheus.CounterVec
	requeued *prometheus.CounterVec
}

// New returns a Verifier for the secondary site described by siteCtx.
func New(logger logrus.FieldLogger, siteCtx site.Context, registry datastore.Registry, replicators *replicator.Registry, conf config.Verification) *Verifier {
	return &Verifier{
		log:         logger.WithFields(logrus.Fields{"component": "verifier", "site": siteCtx.Name}),
		site:        siteCtx,
		registry:    registry,
		replicators: replicators,
		conf:        conf,
		now:         time.Now,
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitlab_geo_verification_total",
			Help: "Number of finished verifications by replicable type and result.",
		}, []string{"type", "result"}),
		requeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitlab_geo_verification_requeued_total",
			Help: "Number of verified entries queued for another verification by replicable type and previous state.",
		}, []string{"type", "state"}),
	}
}

func (v *Verifier) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(v, ch)
}

func (v *Verifier) Collect(ch chan<- prometheus.Metric) {
	v.results.Collect(ch)
	v.requeued.Collect(ch)
}

// Run verifies on each tick the Ticker emits. Run returns when the context
// is canceled, returning the error from the context.
func (v *Verifier) Run(ctx context.Context, ticker helper.Ticker) error {
	v.log.Info("verifier started")
	defer v.log.Info("verifier stopped")

	defer ticker.Stop()

	for {
		ticker.Reset()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if err := v.RunOnce(ctx); err != nil && ctx.Err() == nil {
				v.log.WithError(err).Error("verification pass failed")
			}
		}
	}
}

// RunOnce reclaims abandoned verifications, requeues expired ones and
// verifies one batch of due entries. Only registry errors are returned.
func (v *Verifier) RunOnce(ctx context.Context) error {
	if err := v.reclaimStale(ctx); err != nil {
		return err
	}

	if err := v.requeueExpired(ctx); err != nil {
		return err
	}

	entries, err := v.registry.DueForVerification(ctx, v.site.Name, v.conf.BatchSize)
	if err != nil {
		return fmt.Errorf("due for verification: %w", err)
	}

	var group errgroup.Group
	group.SetLimit(v.conf.Workers)
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		entry := entry
		group.Go(func() error {
			return v.verifyEntry(ctx, entry)
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (v *Verifier) reclaimStale(ctx context.Context) error {
	if v.conf.MaxProcessingDuration <= 0 {
		return nil
	}

	before := v.now().UTC().Add(-v.conf.MaxProcessingDuration.Duration())
	stale, err := v.registry.StaleVerificationStarted(ctx, v.site.Name, before, v.conf.BatchSize)
	if err != nil {
		return fmt.Errorf("stale verifications: %w", err)
	}

	for _, entry := range stale {
		l := lease{key: entry.RegistryKey, startedAt: *entry.VerificationStartedAt}
		reclaimed, err := v.finish(ctx, l, func(e *datastore.RegistryEntry) {
			e.VerificationState = datastore.VerificationPending
			e.VerificationStartedAt = nil
		})
		if err != nil {
			return fmt.Errorf("reclaim %s: %w", entry.RegistryKey, err)
		}
		if reclaimed {
			v.log.WithFields(logrus.Fields{
				"replicable_type": entry.Type,
				"replicable_id":   entry.ID,
			}).Warn("reclaimed abandoned verification")
		}
	}
	return nil
}

// requeueExpired makes successful verifications older than the reverify
// interval and failed ones older than the retry interval pending again, so
// drift after the first verification is noticed.
func (v *Verifier) requeueExpired(ctx context.Context) error {
	now := v.now().UTC()
	for _, expiry := range []struct {
		state    datastore.VerificationState
		interval time.Duration
	}{
		{state: datastore.VerificationSucceeded, interval: v.conf.ReverifyInterval.Duration()},
		{state: datastore.VerificationFailed, interval: v.conf.RetryInterval.Duration()},
	} {
		if expiry.interval <= 0 {
			continue
		}

		entries, err := v.registry.DueForReverification(ctx, v.site.Name, expiry.state, now.Add(-expiry.interval), v.conf.BatchSize)
		if err != nil {
			return fmt.Errorf("due for reverification: %w", err)
		}

		for _, entry := range entries {
			verifiedAt := *entry.VerifiedAt
			requeued, err := datastore.UpdateExisting(ctx, v.registry, entry.RegistryKey, func(e *datastore.RegistryEntry) bool {
				if e.SyncState != datastore.SyncStateSynced || e.VerificationState != expiry.state ||
					e.VerifiedAt == nil || !e.VerifiedAt.Equal(verifiedAt) {
					return false
				}
				e.VerificationState = datastore.VerificationPending
				return true
			})
			if err != nil {
				return fmt.Errorf("requeue %s: %w", entry.RegistryKey, err)
			}
			if requeued {
				v.requeued.WithLabelValues(entry.Type, string(expiry.state)).Inc()
			}
		}
	}
	return nil
}

// lease identifies a verification by its start time.
type lease struct {
	key       datastore.RegistryKey
	startedAt time.Time
}

func (l lease) heldBy(e *datastore.RegistryEntry) bool {
	return e.VerificationState == datastore.VerificationStarted &&
		e.VerificationStartedAt != nil && e.VerificationStartedAt.Equal(l.startedAt)
}

func (v *Verifier) acquire(ctx context.Context, key datastore.RegistryKey) (lease, bool, error) {
	// Truncated so the time survives a round trip through the database.
	startedAt := v.now().UTC().Truncate(time.Microsecond)
	acquired, err := datastore.UpdateExisting(ctx, v.registry, key, func(e *datastore.RegistryEntry) bool {
		if e.SyncState != datastore.SyncStateSynced || e.VerificationState != datastore.VerificationPending {
			return false
		}
		e.VerificationState = datastore.VerificationStarted
		e.VerificationStartedAt = &startedAt
		return true
	})
	return lease{key: key, startedAt: startedAt}, acquired, err
}

func (v *Verifier) finish(ctx context.Context, l lease, fn func(*datastore.RegistryEntry)) (bool, error) {
	return datastore.UpdateExisting(ctx, v.registry, l.key, func(e *datastore.RegistryEntry) bool {
		if !l.heldBy(e) {
			return false
		}
		fn(e)
		return true
	})
}

// outcome is the result of comparing one replica with the primary.
type outcome struct {
	result   string
	checksum string
	err      error
}

func (v *Verifier) verifyEntry(ctx context.Context, entry datastore.RegistryEntry) error {
	ctx, logger := log.WithCorrelation(ctx, v.log.WithFields(logrus.Fields{
		"replicable_type": entry.Type,
		"replicable_id":   entry.ID,
	}))

	repl, err := v.replicators.Lookup(entry.Type)
	if err != nil {
		logger.WithError(err).Error("skipping registry entry")
		return nil
	}

	l, acquired, err := v.acquire(ctx, entry.RegistryKey)
	if err != nil {
		return fmt.Errorf("acquire verification lease %s: %w", entry.RegistryKey, err)
	}
	if !acquired {
		return nil
	}

	o := v.compare(ctx, repl, entry)

	cleanupCtx, cancel := helper.CleanupContext(ctx, cleanupTimeout)
	defer cancel()

	if ctx.Err() != nil {
		o = outcome{result: resultCancelled}
	}

	held, err := v.finish(cleanupCtx, l, func(e *datastore.RegistryEntry) { v.apply(e, o) })
	if err != nil {
		return fmt.Errorf("record verification of %s: %w", entry.RegistryKey, err)
	}
	if !held {
		o.result = resultLeaseLost
	}

	v.results.WithLabelValues(entry.Type, o.result).Inc()

	logger = logger.WithField("result", o.result)
	switch o.result {
	case resultMismatch:
		logger.WithField("checksum", o.checksum).Warn("replica differs from the primary, scheduling resync")
	case resultFailed, resultUnavailable:
		logger.WithError(o.err).Warn("verification failed")
	default:
		logger.Debug("verification finished")
	}
	return nil
}

// compare computes the local checksum of the replica and compares it to the
// checksum the primary recorded.
func (v *Verifier) compare(ctx context.Context, repl *replicator.Replicator, entry datastore.RegistryEntry) outcome {
	if !repl.VerificationEnabled() {
		return outcome{result: resultDisabled}
	}

	model, err := repl.Model.ModelFor(ctx, entry.Type, entry.ID)
	if err != nil {
		return outcome{result: resultUnavailable, err: commonerr.Classify("model", err, commonerr.KindTransientIO)}
	}
	if !model.Exists {
		return outcome{result: resultFailed, err: commonerr.SourceMissing("model", fmt.Errorf("%s %d does not exist on the primary", entry.Type, entry.ID))}
	}
	if !model.Checksummable {
		return outcome{result: resultDisabled}
	}
	if model.Checksum == "" {
		return outcome{result: resultNotComputed}
	}

	local, err := repl.Checksum(ctx, model)
	switch {
	case errors.Is(err, commonerr.ErrChecksumUnsupported):
		return outcome{result: resultDisabled}
	case err != nil:
		return outcome{result: resultFailed, err: err}
	case local != model.Checksum:
		return outcome{result: resultMismatch, checksum: local}
	default:
		return outcome{result: resultSucceeded, checksum: local}
	}
}

func (v *Verifier) apply(e *datastore.RegistryEntry, o outcome) {
	now := v.now().UTC()
	e.VerificationStartedAt = nil

	switch o.result {
	case resultSucceeded:
		e.VerificationState = datastore.VerificationSucceeded
		e.Checksum = o.checksum
		e.VerificationFailure = ""
		e.ChecksumMismatch = false
		e.VerifiedAt = &now
	case resultMismatch:
		e.VerificationState = datastore.VerificationFailed
		e.Checksum = o.checksum
		e.VerificationFailure = MismatchMessage
		e.ChecksumMismatch = true
		e.MismatchCount++
		e.VerifiedAt = &now
		resyncIfSynced(e)
	case resultFailed:
		e.VerificationState = datastore.VerificationFailed
		e.VerificationFailure = o.err.Error()
		e.VerifiedAt = &now
		if !errors.Is(o.err, commonerr.ErrSourceMissing) {
			// The replica could not be read. A fresh sync repairs it.
			resyncIfSynced(e)
		}
	case resultDisabled:
		e.VerificationState = datastore.VerificationDisabled
		e.VerificationFailure = ""
	default:
		e.VerificationState = datastore.VerificationPending
	}
}

// resyncIfSynced queues a synced entry for another sync. An entry that left
// synced while it was verified already has a sync running or queued, and
// its lease must not be touched.
func resyncIfSynced(e *datastore.RegistryEntry) {
	if e.SyncState != datastore.SyncStateSynced {
		return
	}
	e.SyncState = datastore.SyncStatePending
	e.NextRetryAt = nil
}

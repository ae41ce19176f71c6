// Package orchestrator drives registry entries of a secondary site through
// the sync state machine:
//
//	pending --start--> started --ok--> synced (pending if a resync was requested)
//	started --transient failure--> failed, retried after a backoff
//	started --source missing--> failed, never retried automatically
//	started --cancelled--> pending
//
// Moving an entry into started is a compare-and-set on its sync state and
// doubles as the lease that keeps two workers from syncing the same entry.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
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
	"golang.org/x/time/rate"
)

// cleanupTimeout bounds registry writes that record the outcome of a sync
// after the orchestrator was asked to stop.
const cleanupTimeout = 30 * time.Second

const (
	resultSynced        = "synced"
	resultFailed        = "failed"
	resultSourceMissing = "source_missing"
	resultCancelled     = "cancelled"
	resultLeaseLost     = "lease_lost"
)

// Orchestrator syncs due registry entries of the local secondary site.
type Orchestrator struct {
	log         logrus.FieldLogger
	site        site.Context
	registry    datastore.Registry
	replicators *replicator.Registry
	conf        config.Replication
	backoff     *Backoff
	limiter     *rate.Limiter
	now         func() time.Time

	passBackoffMu sync.Mutex
	passBackoff   backoff.BackOff

	syncDuration   *prometheus.HistogramVec
	syncResults    *prometheus.CounterVec
	staleReclaimed prometheus.Counter
}

// New returns an Orchestrator for the secondary site described by siteCtx.
func New(logger logrus.FieldLogger, siteCtx site.Context, registry datastore.Registry, replicators *replicator.Registry, conf config.Replication, buckets []float64) *Orchestrator {
	limit := rate.Inf
	if conf.StartsPerSecond > 0 {
		limit = rate.Limit(conf.StartsPerSecond)
	}
	burst := conf.StartsBurst
	if burst < 1 {
		burst = 1
	}

	passBackoff := backoff.NewExponentialBackOff()
	passBackoff.InitialInterval = conf.PollInterval.Duration()
	passBackoff.MaxInterval = conf.BackoffMax.Duration()
	passBackoff.MaxElapsedTime = 0

	return &Orchestrator{
		log:         logger.WithFields(logrus.Fields{"component": "sync_orchestrator", "site": siteCtx.Name}),
		site:        siteCtx,
		registry:    registry,
		replicators: replicators,
		conf:        conf,
		backoff:     NewBackoff(conf.BackoffBase.Duration(), conf.BackoffMax.Duration(), conf.BackoffJitter),
		limiter:     rate.NewLimiter(limit, burst),
		now:         time.Now,
		passBackoff: passBackoff,
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gitlab_geo_sync_duration_seconds",
			Help:    "Time spent syncing a single replicable from the primary.",
			Buckets: buckets,
		}, []string{"type"}),
		syncResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitlab_geo_sync_total",
			Help: "Number of finished sync attempts by replicable type and result.",
		}, []string{"type", "result"}),
		staleReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gitlab_geo_sync_stale_reclaimed_total",
			Help: "Number of abandoned sync leases returned to pending.",
		}),
	}
}

func (o *Orchestrator) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(o, ch)
}

func (o *Orchestrator) Collect(ch chan<- prometheus.Metric) {
	o.syncDuration.Collect(ch)
	o.syncResults.Collect(ch)
	o.staleReclaimed.Collect(ch)
}

// Run performs a pass on each tick the Ticker emits. A pass that fails
// because the registry is unavailable delays the next pass with an
// exponential backoff. Run returns when the context is canceled, returning
// the error from the context.
func (o *Orchestrator) Run(ctx context.Context, ticker helper.Ticker) error {
	o.log.WithField("workers", o.conf.Workers).Info("sync orchestrator started")
	defer o.log.Info("sync orchestrator stopped")

	defer ticker.Stop()

	for {
		ticker.Reset()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}

		err := o.RunOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err == nil {
			o.resetPassBackoff()
			continue
		}

		if !errors.Is(err, commonerr.ErrStoreUnavailable) {
			o.log.WithError(err).Error("sync pass failed")
			continue
		}

		wait := o.nextPassBackoff()
		o.log.WithError(err).WithField("retry_in", wait.String()).Warn("registry unavailable, backing off")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (o *Orchestrator) nextPassBackoff() time.Duration {
	o.passBackoffMu.Lock()
	defer o.passBackoffMu.Unlock()
	return o.passBackoff.NextBackOff()
}

func (o *Orchestrator) resetPassBackoff() {
	o.passBackoffMu.Lock()
	defer o.passBackoffMu.Unlock()
	o.passBackoff.Reset()
}

// RunOnce reclaims abandoned leases and syncs one batch of due entries.
// Failures of single entries are recorded in the registry, only registry
// errors are returned.
func (o *Orchestrator) RunOnce(ctx context.Context) error {
	if err := o.reclaimStale(ctx); err != nil {
		return err
	}

	entries, err := o.registry.DueForSync(ctx, o.site.Name, o.conf.BatchSize, o.now().UTC())
	if err != nil {
		return fmt.Errorf("due for sync: %w", err)
	}

	var group errgroup.Group
	group.SetLimit(o.conf.Workers)

	for _, entry := range entries {
		if err := o.limiter.Wait(ctx); err != nil {
			break
		}

		entry := entry
		group.Go(func() error {
			return o.syncEntry(ctx, entry)
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// reclaimStale returns entries whose lease is older than the maximum
// processing duration to pending.
func (o *Orchestrator) reclaimStale(ctx context.Context) error {
	if o.conf.MaxProcessingDuration <= 0 {
		return nil
	}

	before := o.now().UTC().Add(-o.conf.MaxProcessingDuration.Duration())
	stale, err := o.registry.StaleStarted(ctx, o.site.Name, before, o.conf.BatchSize)
	if err != nil {
		return fmt.Errorf("stale started: %w", err)
	}

	for _, entry := range stale {
		startedAt := entry.StateChangedAt
		reclaimed, err := datastore.UpdateExisting(ctx, o.registry, entry.RegistryKey, func(e *datastore.RegistryEntry) bool {
			if e.SyncState != datastore.SyncStateStarted || !e.StateChangedAt.Equal(startedAt) {
				return false
			}
			e.SyncState = datastore.SyncStatePending
			e.NextRetryAt = nil
			return true
		})
		if err != nil {
			return fmt.Errorf("reclaim %s: %w", entry.RegistryKey, err)
		}
		if reclaimed {
			o.staleReclaimed.Inc()
			o.log.WithFields(logrus.Fields{
				"replicable_type": entry.Type,
				"replicable_id":   entry.ID,
				"started_at":      startedAt,
			}).Warn("reclaimed abandoned sync")
		}
	}

	return nil
}

// lease is the proof that a worker moved an entry into started. The state
// change time identifies the lease, a reclaimed and re-acquired entry
// carries a different one.
type lease struct {
	key        datastore.RegistryKey
	acquiredAt time.Time
}

func (l lease) heldBy(e *datastore.RegistryEntry) bool {
	return e.SyncState == datastore.SyncStateStarted && e.StateChangedAt.Equal(l.acquiredAt)
}

// acquire moves a due entry into started. It returns false when another
// worker got there first or the entry is no longer due.
func (o *Orchestrator) acquire(ctx context.Context, observed datastore.RegistryEntry) (lease, bool, error) {
	now := o.now().UTC()
	acquired, err := datastore.UpdateExisting(ctx, o.registry, observed.RegistryKey, func(e *datastore.RegistryEntry) bool {
		if e.SyncState != observed.SyncState || !e.IsDueForSync(now) {
			return false
		}
		e.SyncState = datastore.SyncStateStarted
		e.ResyncRequested = false
		return true
	})
	if err != nil || !acquired {
		return lease{}, false, err
	}

	current, err := o.registry.Get(ctx, observed.RegistryKey)
	if err != nil {
		if errors.Is(err, datastore.ErrEntryNotFound) {
			return lease{}, false, nil
		}
		return lease{}, false, err
	}
	if current.SyncState != datastore.SyncStateStarted {
		return lease{}, false, nil
	}

	return lease{key: observed.RegistryKey, acquiredAt: current.StateChangedAt}, true, nil
}

// finish applies fn to the entry if the lease is still held.
func (o *Orchestrator) finish(ctx context.Context, l lease, fn func(*datastore.RegistryEntry)) (bool, error) {
	return datastore.UpdateExisting(ctx, o.registry, l.key, func(e *datastore.RegistryEntry) bool {
		if !l.heldBy(e) {
			return false
		}
		fn(e)
		return true
	})
}

func (o *Orchestrator) syncEntry(ctx context.Context, entry datastore.RegistryEntry) error {
	ctx, logger := log.WithCorrelation(ctx, o.log.WithFields(logrus.Fields{
		"replicable_type": entry.Type,
		"replicable_id":   entry.ID,
	}))

	repl, err := o.replicators.Lookup(entry.Type)
	if err != nil {
		logger.WithError(err).Error("skipping registry entry")
		return nil
	}

	l, acquired, err := o.acquire(ctx, entry)
	if err != nil {
		return fmt.Errorf("acquire lease %s: %w", entry.RegistryKey, err)
	}
	if !acquired {
		logger.Debug("entry leased by another worker")
		return nil
	}

	fetchCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout := o.conf.FetchTimeout.Duration(); timeout > 0 {
		fetchCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	start := time.Now()
	model, syncErr := repl.Sync(fetchCtx, entry.ID)
	cancel()
	o.syncDuration.WithLabelValues(entry.Type).Observe(time.Since(start).Seconds())

	// The outcome is recorded even when ctx was cancelled, otherwise the
	// entry would stay started until it is reclaimed.
	cleanupCtx, cleanupCancel := helper.CleanupContext(ctx, cleanupTimeout)
	defer cleanupCancel()

	var result string
	switch {
	case syncErr == nil:
		result, err = o.succeed(cleanupCtx, l, repl, model)
	case ctx.Err() != nil:
		result, err = o.release(cleanupCtx, l)
	default:
		result, err = o.fail(cleanupCtx, l, syncErr)
	}
	if err != nil {
		return fmt.Errorf("record sync of %s: %w", entry.RegistryKey, err)
	}

	o.syncResults.WithLabelValues(entry.Type, result).Inc()

	logger = logger.WithField("result", result)
	switch result {
	case resultSourceMissing:
		logger.WithError(syncErr).Error("replicable is missing on the primary, not retrying")
	case resultFailed:
		logger.WithError(syncErr).Warn("sync failed")
	case resultLeaseLost:
		logger.Warn("sync lease was reclaimed before the sync finished")
	default:
		logger.Info("sync finished")
	}

	return nil
}

func (o *Orchestrator) succeed(ctx context.Context, l lease, repl *replicator.Replicator, model datastore.Replicable) (string, error) {
	now := o.now().UTC()
	verify := repl.VerificationEnabled() && model.Checksummable

	held, err := o.finish(ctx, l, func(e *datastore.RegistryEntry) {
		e.SyncState = datastore.SyncStateSynced
		if e.ResyncRequested {
			e.SyncState = datastore.SyncStatePending
			e.ResyncRequested = false
		}
		e.LastSyncFailure = ""
		e.FailureKind = ""
		e.NextRetryAt = nil
		e.LastSyncedAt = &now

		e.VerificationStartedAt = nil
		e.VerificationFailure = ""
		if verify {
			e.VerificationState = datastore.VerificationPending
		} else {
			e.VerificationState = datastore.VerificationDisabled
		}
	})
	if err != nil || !held {
		return resultLeaseLost, err
	}
	return resultSynced, nil
}

func (o *Orchestrator) fail(ctx context.Context, l lease, syncErr error) (string, error) {
	now := o.now().UTC()
	kind := commonerr.KindOf(syncErr)
	retriable := commonerr.IsRetriable(syncErr)

	held, err := o.finish(ctx, l, func(e *datastore.RegistryEntry) {
		newCycle := e.LastSyncFailure == ""
		e.LastSyncFailure = syncErr.Error()
		e.FailureKind = kind

		if e.ResyncRequested {
			// The primary changed while we synced, the failure may be
			// outdated already.
			e.SyncState = datastore.SyncStatePending
			e.ResyncRequested = false
			e.NextRetryAt = nil
			return
		}

		e.SyncState = datastore.SyncStateFailed
		if !retriable {
			e.NextRetryAt = nil
			return
		}

		if newCycle {
			e.RetryCount = 0
		}
		e.RetryCount++
		next := now.Add(o.backoff.Delay(e.RetryCount))
		e.NextRetryAt = &next
	})
	if err != nil || !held {
		return resultLeaseLost, err
	}
	if kind == commonerr.KindSourceMissing {
		return resultSourceMissing, nil
	}
	return resultFailed, nil
}

func (o *Orchestrator) release(ctx context.Context, l lease) (string, error) {
	held, err := o.finish(ctx, l, func(e *datastore.RegistryEntry) {
		e.SyncState = datastore.SyncStatePending
	})
	if err != nil || !held {
		return resultLeaseLost, err
	}
	return resultCancelled, nil
}

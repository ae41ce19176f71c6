package orchestrator

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/commonerr"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/config"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/replicator"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/site"
	"gitlab.com/gitlab-org/gitlab-geo/internal/helper"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const lfsObject = "lfs_object"

var secondary = site.NewSecondary("secondary-1", "primary", "https://primary.example.com")

func key(id int64) datastore.RegistryKey {
	return datastore.RegistryKey{Type: lfsObject, ID: id, Site: secondary.Name}
}

type modelFunc func(ctx context.Context, typ string, id int64) (datastore.Replicable, error)

func (f modelFunc) ModelFor(ctx context.Context, typ string, id int64) (datastore.Replicable, error) {
	return f(ctx, typ, id)
}

func existing(checksummable bool) modelFunc {
	return func(_ context.Context, typ string, id int64) (datastore.Replicable, error) {
		return datastore.Replicable{Type: typ, ID: id, Exists: true, Checksummable: checksummable}, nil
	}
}

type fakeStrategy struct {
	fetch func(ctx context.Context, r datastore.Replicable) error

	mu      sync.Mutex
	fetches map[int64]int
	stored  map[int64]bool
}

func newFakeStrategy(fetch func(ctx context.Context, r datastore.Replicable) error) *fakeStrategy {
	return &fakeStrategy{fetch: fetch, fetches: map[int64]int{}, stored: map[int64]bool{}}
}

func (s *fakeStrategy) Fetch(ctx context.Context, r datastore.Replicable) (replicator.ContentHandle, error) {
	s.mu.Lock()
	s.fetches[r.ID]++
	s.mu.Unlock()

	if s.fetch != nil {
		if err := s.fetch(ctx, r); err != nil {
			return nil, err
		}
	}
	return io.NopCloser(strings.NewReader("content")), nil
}

func (s *fakeStrategy) Store(_ context.Context, r datastore.Replicable, _ replicator.ContentHandle) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored[r.ID] = true
	return int64(len("content")), nil
}

func (s *fakeStrategy) Destroy(_ context.Context, r datastore.Replicable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stored, r.ID)
	return nil
}

func (s *fakeStrategy) Checksum(context.Context, datastore.Replicable) (string, error) {
	return "checksum", nil
}

func testConfig() config.Replication {
	conf := config.DefaultReplicationConfig()
	conf.BackoffJitter = 0
	conf.StartsPerSecond = 0
	return conf
}

func newOrchestrator(t *testing.T, registry datastore.Registry, model replicator.ModelAdapter, strategy replicator.Strategy, conf config.Replication) *Orchestrator {
	t.Helper()

	logger, _ := test.NewNullLogger()
	replicators := replicator.NewRegistry()
	require.NoError(t, replicators.Register(replicator.New(lfsObject, model, strategy, true, logger)))

	return New(logger, secondary, registry, replicators, conf, nil)
}

func setState(t *testing.T, r datastore.Registry, k datastore.RegistryKey, mutate func(*datastore.RegistryEntry)) {
	t.Helper()
	_, err := r.Upsert(context.Background(), k)
	require.NoError(t, err)
	if mutate == nil {
		return
	}
	ok, err := r.Update(context.Background(), k, func(e *datastore.RegistryEntry) bool {
		mutate(e)
		return true
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func timePtr(t time.Time) *time.Time { return &t }

func TestOrchestrator_RunOnce(t *testing.T) {
	now := time.Date(2024, 3, 11, 10, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	errReset := errors.New("connection reset by peer")

	type expected struct {
		syncState         datastore.SyncState
		verificationState datastore.VerificationState
		retryCount        int
		failureKind       commonerr.Kind
		failure           string
		nextRetryAt       *time.Time
		synced            bool
		fetches           int
	}

	for _, tc := range []struct {
		desc     string
		model    modelFunc
		fetch    func(ctx context.Context, r datastore.Replicable) error
		conf     func(*config.Replication)
		existing func(*datastore.RegistryEntry)
		expected expected
	}{
		{
			desc:  "pending entry gets synced",
			model: existing(true),
			expected: expected{
				syncState:         datastore.SyncStateSynced,
				verificationState: datastore.VerificationPending,
				synced:            true,
				fetches:           1,
			},
		},
		{
			desc:  "success keeps the retry count",
			model: existing(true),
			existing: func(e *datastore.RegistryEntry) {
				e.SyncState = datastore.SyncStateFailed
				e.RetryCount = 2
				e.LastSyncFailure = "earlier failure"
				e.FailureKind = commonerr.KindTransientIO
				e.NextRetryAt = timePtr(past)
			},
			expected: expected{
				syncState:         datastore.SyncStateSynced,
				verificationState: datastore.VerificationPending,
				retryCount:        2,
				synced:            true,
				fetches:           1,
			},
		},
		{
			desc:  "content that can't be checksummed disables verification",
			model: existing(false),
			expected: expected{
				syncState:         datastore.SyncStateSynced,
				verificationState: datastore.VerificationDisabled,
				synced:            true,
				fetches:           1,
			},
		},
		{
			desc:  "transient failure schedules a retry",
			model: existing(true),
			fetch: func(context.Context, datastore.Replicable) error {
				return commonerr.TransientIO("fetch", errReset)
			},
			expected: expected{
				syncState:         datastore.SyncStateFailed,
				verificationState: datastore.VerificationPending,
				retryCount:        1,
				failureKind:       commonerr.KindTransientIO,
				failure:           "fetch: transient_io: connection reset by peer",
				nextRetryAt:       timePtr(now.Add(time.Minute)),
				fetches:           1,
			},
		},
		{
			desc:  "consecutive failures double the delay",
			model: existing(true),
			fetch: func(context.Context, datastore.Replicable) error {
				return commonerr.TransientIO("fetch", errReset)
			},
			existing: func(e *datastore.RegistryEntry) {
				e.SyncState = datastore.SyncStateFailed
				e.RetryCount = 2
				e.LastSyncFailure = "fetch: transient_io: timeout"
				e.NextRetryAt = timePtr(past)
			},
			expected: expected{
				syncState:         datastore.SyncStateFailed,
				verificationState: datastore.VerificationPending,
				retryCount:        3,
				failureKind:       commonerr.KindTransientIO,
				failure:           "fetch: transient_io: connection reset by peer",
				nextRetryAt:       timePtr(now.Add(4 * time.Minute)),
				fetches:           1,
			},
		},
		{
			desc:  "failure after a success starts a new cycle",
			model: existing(true),
			fetch: func(context.Context, datastore.Replicable) error {
				return commonerr.TransientIO("fetch", errReset)
			},
			existing: func(e *datastore.RegistryEntry) {
				e.RetryCount = 5
			},
			expected: expected{
				syncState:         datastore.SyncStateFailed,
				verificationState: datastore.VerificationPending,
				retryCount:        1,
				failureKind:       commonerr.KindTransientIO,
				failure:           "fetch: transient_io: connection reset by peer",
				nextRetryAt:       timePtr(now.Add(time.Minute)),
				fetches:           1,
			},
		},
		{
			desc: "missing source is never retried",
			model: func(_ context.Context, typ string, id int64) (datastore.Replicable, error) {
				return datastore.Replicable{Type: typ, ID: id}, nil
			},
			existing: func(e *datastore.RegistryEntry) {
				e.SyncState = datastore.SyncStateFailed
				e.RetryCount = 1
				e.LastSyncFailure = "fetch: transient_io: timeout"
				e.NextRetryAt = timePtr(past)
			},
			expected: expected{
				syncState:         datastore.SyncStateFailed,
				verificationState: datastore.VerificationPending,
				retryCount:        1,
				failureKind:       commonerr.KindSourceMissing,
				failure:           "model: source_missing: lfs_object 1 does not exist on the primary",
			},
		},
		{
			desc:  "source vanishing during fetch is never retried",
			model: existing(true),
			fetch: func(context.Context, datastore.Replicable) error {
				return commonerr.SourceMissing("fetch", errors.New("404 Not Found"))
			},
			expected: expected{
				syncState:         datastore.SyncStateFailed,
				verificationState: datastore.VerificationPending,
				failureKind:       commonerr.KindSourceMissing,
				failure:           "fetch: source_missing: 404 Not Found",
				fetches:           1,
			},
		},
		{
			desc:  "exceeding the fetch deadline is transient",
			model: existing(true),
			fetch: func(ctx context.Context, _ datastore.Replicable) error {
				<-ctx.Done()
				return ctx.Err()
			},
			conf: func(c *config.Replication) {
				c.FetchTimeout = config.Duration(10 * time.Millisecond)
			},
			expected: expected{
				syncState:         datastore.SyncStateFailed,
				verificationState: datastore.VerificationPending,
				retryCount:        1,
				failureKind:       commonerr.KindTransientIO,
				failure:           "fetch: transient_io: context deadline exceeded",
				nextRetryAt:       timePtr(now.Add(time.Minute)),
				fetches:           1,
			},
		},
		{
			desc:  "entry waiting for its retry is left alone",
			model: existing(true),
			existing: func(e *datastore.RegistryEntry) {
				e.SyncState = datastore.SyncStateFailed
				e.RetryCount = 1
				e.LastSyncFailure = "fetch: transient_io: timeout"
				e.FailureKind = commonerr.KindTransientIO
				e.NextRetryAt = timePtr(future)
			},
			expected: expected{
				syncState:         datastore.SyncStateFailed,
				verificationState: datastore.VerificationPending,
				retryCount:        1,
				failureKind:       commonerr.KindTransientIO,
				failure:           "fetch: transient_io: timeout",
				nextRetryAt:       timePtr(future),
			},
		},
		{
			desc:  "synced entry is left alone",
			model: existing(true),
			existing: func(e *datastore.RegistryEntry) {
				e.SyncState = datastore.SyncStateSynced
				e.VerificationState = datastore.VerificationSucceeded
			},
			expected: expected{
				syncState:         datastore.SyncStateSynced,
				verificationState: datastore.VerificationSucceeded,
			},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			ctx := context.Background()
			registry := datastore.NewMemoryRegistry()
			setState(t, registry, key(1), tc.existing)

			conf := testConfig()
			if tc.conf != nil {
				tc.conf(&conf)
			}

			strategy := newFakeStrategy(tc.fetch)
			o := newOrchestrator(t, registry, tc.model, strategy, conf)
			o.now = func() time.Time { return now }

			require.NoError(t, o.RunOnce(ctx))

			entry, err := registry.Get(ctx, key(1))
			require.NoError(t, err)
			require.Equal(t, tc.expected.syncState, entry.SyncState)
			require.Equal(t, tc.expected.verificationState, entry.VerificationState)
			require.Equal(t, tc.expected.retryCount, entry.RetryCount)
			require.Equal(t, tc.expected.failureKind, entry.FailureKind)
			require.Equal(t, tc.expected.failure, entry.LastSyncFailure)
			require.False(t, entry.ResyncRequested)
			if tc.expected.nextRetryAt == nil {
				require.Nil(t, entry.NextRetryAt)
			} else {
				require.NotNil(t, entry.NextRetryAt)
				require.True(t, tc.expected.nextRetryAt.Equal(*entry.NextRetryAt), "next retry at %s", entry.NextRetryAt)
			}
			if tc.expected.synced {
				require.NotNil(t, entry.LastSyncedAt)
				require.True(t, now.Equal(*entry.LastSyncedAt))
			}
			require.Equal(t, tc.expected.synced, strategy.stored[1])
			require.Equal(t, tc.expected.fetches, strategy.fetches[1])
		})
	}
}

func TestOrchestrator_RunOnce_resyncRequested(t *testing.T) {
	ctx := context.Background()
	registry := datastore.NewMemoryRegistry()
	setState(t, registry, key(1), nil)

	strategy := newFakeStrategy(func(ctx context.Context, r datastore.Replicable) error {
		// An update event arrives while the content is transferred.
		ok, err := registry.Update(ctx, key(r.ID), func(e *datastore.RegistryEntry) bool {
			e.ResyncRequested = true
			return true
		})
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	})

	o := newOrchestrator(t, registry, existing(true), strategy, testConfig())
	require.NoError(t, o.RunOnce(ctx))

	entry, err := registry.Get(ctx, key(1))
	require.NoError(t, err)
	require.Equal(t, datastore.SyncStatePending, entry.SyncState)
	require.False(t, entry.ResyncRequested)

	strategy.fetch = nil
	require.NoError(t, o.RunOnce(ctx))

	entry, err = registry.Get(ctx, key(1))
	require.NoError(t, err)
	require.Equal(t, datastore.SyncStateSynced, entry.SyncState)
	require.Equal(t, 2, strategy.fetches[1])
}

func TestOrchestrator_RunOnce_cancelledSyncReturnsToPending(t *testing.T) {
	registry := datastore.NewMemoryRegistry()
	setState(t, registry, key(1), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	strategy := newFakeStrategy(func(fetchCtx context.Context, _ datastore.Replicable) error {
		cancel()
		<-fetchCtx.Done()
		return fetchCtx.Err()
	})

	o := newOrchestrator(t, registry, existing(true), strategy, testConfig())
	require.Equal(t, context.Canceled, o.RunOnce(ctx))

	entry, err := registry.Get(context.Background(), key(1))
	require.NoError(t, err)
	require.Equal(t, datastore.SyncStatePending, entry.SyncState)
	require.Empty(t, entry.LastSyncFailure)
	require.Equal(t, 0, entry.RetryCount)
	require.Equal(t, float64(1), testutil.ToFloat64(o.syncResults.WithLabelValues(lfsObject, resultCancelled)))
}

func TestOrchestrator_RunOnce_noConcurrentDoubleSync(t *testing.T) {
	ctx := context.Background()
	registry := datastore.NewMemoryRegistry()

	const entries = 20
	for id := int64(1); id <= entries; id++ {
		setState(t, registry, key(id), nil)
	}

	var inFlight sync.Map
	var overlaps int32
	strategy := newFakeStrategy(func(_ context.Context, r datastore.Replicable) error {
		if _, loaded := inFlight.LoadOrStore(r.ID, true); loaded {
			atomic.AddInt32(&overlaps, 1)
		}
		time.Sleep(time.Millisecond)
		inFlight.Delete(r.ID)
		return nil
	})

	conf := testConfig()
	conf.Workers = 4

	const workers = 3
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		o := newOrchestrator(t, registry, existing(true), strategy, conf)
		go func() { errs <- o.RunOnce(ctx) }()
	}
	for i := 0; i < workers; i++ {
		require.NoError(t, <-errs)
	}

	require.Zero(t, atomic.LoadInt32(&overlaps))
	for id := int64(1); id <= entries; id++ {
		require.Equal(t, 1, strategy.fetches[id], "entry %d", id)

		entry, err := registry.Get(ctx, key(id))
		require.NoError(t, err)
		require.Equal(t, datastore.SyncStateSynced, entry.SyncState)
	}
}

func TestOrchestrator_RunOnce_reclaimsStaleLeases(t *testing.T) {
	ctx := context.Background()
	registry := datastore.NewMemoryRegistry()
	setState(t, registry, key(1), func(e *datastore.RegistryEntry) {
		e.SyncState = datastore.SyncStateStarted
	})
	setState(t, registry, key(2), nil)

	conf := testConfig()
	conf.MaxProcessingDuration = config.Duration(time.Hour)

	strategy := newFakeStrategy(nil)
	o := newOrchestrator(t, registry, existing(true), strategy, conf)

	require.NoError(t, o.RunOnce(ctx))
	started, err := registry.Get(ctx, key(1))
	require.NoError(t, err)
	require.Equal(t, datastore.SyncStateStarted, started.SyncState, "a fresh lease must not be reclaimed")
	require.Zero(t, strategy.fetches[1])

	o.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.NoError(t, o.RunOnce(ctx))

	reclaimed, err := registry.Get(ctx, key(1))
	require.NoError(t, err)
	require.Equal(t, datastore.SyncStateSynced, reclaimed.SyncState)
	require.Equal(t, 1, strategy.fetches[1])
	require.Equal(t, float64(1), testutil.ToFloat64(o.staleReclaimed))
}

func TestOrchestrator_lostLeaseIsNotOverwritten(t *testing.T) {
	ctx := context.Background()
	registry := datastore.NewMemoryRegistry()
	setState(t, registry, key(1), nil)

	strategy := newFakeStrategy(func(ctx context.Context, r datastore.Replicable) error {
		// The lease is reclaimed and taken by another worker meanwhile.
		for _, state := range []datastore.SyncState{datastore.SyncStatePending, datastore.SyncStateStarted} {
			time.Sleep(time.Millisecond)
			ok, err := registry.Update(ctx, key(r.ID), func(e *datastore.RegistryEntry) bool {
				e.SyncState = state
				return true
			})
			require.NoError(t, err)
			require.True(t, ok)
		}
		return nil
	})

	o := newOrchestrator(t, registry, existing(true), strategy, testConfig())
	require.NoError(t, o.RunOnce(ctx))

	entry, err := registry.Get(ctx, key(1))
	require.NoError(t, err)
	require.Equal(t, datastore.SyncStateStarted, entry.SyncState)
	require.Equal(t, float64(1), testutil.ToFloat64(o.syncResults.WithLabelValues(lfsObject, resultLeaseLost)))
}

func TestOrchestrator_backoffIsMonotonic(t *testing.T) {
	ctx := context.Background()
	registry := datastore.NewMemoryRegistry()
	setState(t, registry, key(1), nil)

	conf := testConfig()
	conf.BackoffBase = config.Duration(time.Second)
	conf.BackoffMax = config.Duration(time.Minute)
	conf.BackoffJitter = 1

	strategy := newFakeStrategy(func(context.Context, datastore.Replicable) error {
		return commonerr.TransientIO("fetch", errors.New("timeout"))
	})
	o := newOrchestrator(t, registry, existing(true), strategy, conf)

	now := time.Date(2024, 3, 11, 10, 0, 0, 0, time.UTC)
	var previous time.Duration
	for attempt := 1; attempt <= 12; attempt++ {
		o.now = func() time.Time { return now }
		require.NoError(t, o.RunOnce(ctx))

		entry, err := registry.Get(ctx, key(1))
		require.NoError(t, err)
		require.Equal(t, datastore.SyncStateFailed, entry.SyncState)
		require.Equal(t, attempt, entry.RetryCount)

		delta := entry.NextRetryAt.Sub(now)
		require.GreaterOrEqual(t, delta, previous, "attempt %d", attempt)
		require.LessOrEqual(t, delta, time.Minute)
		previous = delta
		now = *entry.NextRetryAt
	}
	require.Equal(t, time.Minute, previous)
}

// flakyRegistry fails DueForSync until it was called failures times.
type flakyRegistry struct {
	datastore.Registry
	mu       sync.Mutex
	failures int
	calls    int
}

func (r *flakyRegistry) DueForSync(ctx context.Context, site string, limit int, now time.Time) ([]datastore.RegistryEntry, error) {
	r.mu.Lock()
	r.calls++
	fail := r.calls <= r.failures
	r.mu.Unlock()

	if fail {
		return nil, commonerr.StoreUnavailable("due for sync", errors.New("connection refused"))
	}
	return r.Registry.DueForSync(ctx, site, limit, now)
}

func TestOrchestrator_Run(t *testing.T) {
	registry := &flakyRegistry{Registry: datastore.NewMemoryRegistry(), failures: 1}
	setState(t, registry, key(1), nil)

	conf := testConfig()
	conf.PollInterval = config.Duration(time.Millisecond)
	conf.BackoffMax = config.Duration(10 * time.Millisecond)

	logger, hook := test.NewNullLogger()
	replicators := replicator.NewRegistry()
	require.NoError(t, replicators.Register(replicator.New(lfsObject, existing(true), newFakeStrategy(nil), true, logger)))
	o := New(logger, secondary, registry, replicators, conf, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := helper.NewCountTicker(2, cancel)
	require.Equal(t, context.Canceled, o.Run(ctx, ticker))

	var backedOff bool
	for _, entry := range hook.AllEntries() {
		if entry.Message == "registry unavailable, backing off" {
			require.Equal(t, logrus.WarnLevel, entry.Level)
			backedOff = true
		}
	}
	require.True(t, backedOff)

	entry, err := registry.Get(context.Background(), key(1))
	require.NoError(t, err)
	require.Equal(t, datastore.SyncStateSynced, entry.SyncState)
}

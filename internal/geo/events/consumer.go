package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/config"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore/glsql"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/replicator"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/site"
	"gitlab.com/gitlab-org/gitlab-geo/internal/helper"
	"gitlab.com/gitlab-org/gitlab-geo/internal/log"
)

const ackTimeout = 30 * time.Second

// Consumer applies lifecycle events queued for the local secondary site to
// its registry. Delivery is at least once, handling an event twice has the
// same effect as handling it once.
type Consumer struct {
	log         logrus.FieldLogger
	site        site.Context
	queue       datastore.EventQueue
	registry    datastore.Registry
	replicators *replicator.Registry
	conf        config.Events
	wake        chan struct{}
	handled     *prometheus.CounterVec
}

// NewConsumer returns a Consumer for the secondary site described by siteCtx.
func NewConsumer(logger logrus.FieldLogger, siteCtx site.Context, queue datastore.EventQueue, registry datastore.Registry, replicators *replicator.Registry, conf config.Events) *Consumer {
	return &Consumer{
		log:         logger.WithFields(logrus.Fields{"component": "event_consumer", "site": siteCtx.Name}),
		site:        siteCtx,
		queue:       queue,
		registry:    registry,
		replicators: replicators,
		conf:        conf,
		wake:        make(chan struct{}, 1),
		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitlab_geo_events_handled_total",
			Help: "Number of handled lifecycle events by kind and result.",
		}, []string{"event_kind", "result"}),
	}
}

func (c *Consumer) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *Consumer) Collect(ch chan<- prometheus.Metric) {
	c.handled.Collect(ch)
}

// Notification wakes the consumer up before its next tick.
func (c *Consumer) Notification(glsql.Notification) { c.Wake() }

// Connected wakes the consumer up because notifications may have been
// missed while the listener was disconnected.
func (c *Consumer) Connected() { c.Wake() }

// Disconnect is called when the listener lost its connection.
func (c *Consumer) Disconnect(err error) {
	c.log.WithError(err).Warn("event notifications disconnected, falling back to polling")
}

// Wake makes Run process the queue without waiting for the next tick.
func (c *Consumer) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run processes queued events on each tick the Ticker emits and whenever it
// is woken up. Full batches are followed by the next batch right away. Run
// returns when the context is canceled, returning the error from the
// context.
func (c *Consumer) Run(ctx context.Context, ticker helper.Ticker) error {
	c.log.Info("event consumer started")
	defer c.log.Info("event consumer stopped")

	defer ticker.Stop()

	for {
		ticker.Reset()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		case <-c.wake:
		}

		for {
			n, err := c.RunOnce(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				c.log.WithError(err).Error("processing events failed")
				break
			}
			if n < c.conf.BatchSize {
				break
			}
		}
	}
}

// RunOnce releases stale events and handles one batch. It returns the
// number of dequeued events.
func (c *Consumer) RunOnce(ctx context.Context) (int, error) {
	if staleAfter := c.conf.StaleAfter.Duration(); staleAfter > 0 {
		if err := c.queue.AcknowledgeStale(ctx, staleAfter); err != nil {
			return 0, fmt.Errorf("acknowledge stale: %w", err)
		}
	}

	queued, err := c.queue.Dequeue(ctx, c.site.Name, c.conf.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("dequeue: %w", err)
	}

	acks := map[datastore.JobState][]uint64{}
	for _, qe := range queued {
		state := datastore.JobStateCompleted
		if err := c.handle(ctx, qe); err != nil {
			state = datastore.JobStateFailed
			if qe.Attempt <= 0 {
				state = datastore.JobStateDead
			}
			c.log.WithError(err).WithFields(logrus.Fields{
				"event_id":        qe.ID,
				"replicable_type": qe.Event.ReplicableType,
				"replicable_id":   qe.Event.ReplicableID,
				"event_kind":      qe.Event.Kind,
				"attempts_left":   qe.Attempt,
			}).Error("handling lifecycle event failed")
		}
		acks[state] = append(acks[state], qe.ID)
		c.handled.WithLabelValues(string(qe.Event.Kind), string(state)).Inc()
	}

	// Acknowledgements are written even on shutdown so handled events are
	// not delivered again.
	ackCtx, cancel := helper.CleanupContext(ctx, ackTimeout)
	defer cancel()

	for _, state := range []datastore.JobState{datastore.JobStateCompleted, datastore.JobStateFailed, datastore.JobStateDead} {
		if len(acks[state]) == 0 {
			continue
		}
		if _, err := c.queue.Acknowledge(ackCtx, state, acks[state]); err != nil {
			return len(queued), fmt.Errorf("acknowledge %s: %w", state, err)
		}
	}

	return len(queued), nil
}

func (c *Consumer) handle(ctx context.Context, qe datastore.QueuedEvent) error {
	ctx, logger := log.WithCorrelation(ctx, c.log.WithFields(logrus.Fields{
		"event_id":        qe.ID,
		"replicable_type": qe.Event.ReplicableType,
		"replicable_id":   qe.Event.ReplicableID,
		"event_kind":      qe.Event.Kind,
	}))

	repl, err := c.replicators.Lookup(qe.Event.ReplicableType)
	if err != nil {
		if errors.Is(err, replicator.ErrUnknownType) {
			logger.WithError(err).Warn("ignoring event of unknown replicable type")
			return nil
		}
		return err
	}

	key := datastore.RegistryKey{Type: qe.Event.ReplicableType, ID: qe.Event.ReplicableID, Site: c.site.Name}

	switch qe.Event.Kind {
	case datastore.EventCreated, datastore.EventUpdated:
		return c.resync(ctx, key)
	case datastore.EventDeleted:
		return c.remove(ctx, repl, key)
	default:
		logger.Warn("ignoring event of unknown kind")
		return nil
	}
}

// resync makes the entry pending so the orchestrator fetches the current
// state from the primary. A running sync is asked to run once more instead.
func (c *Consumer) resync(ctx context.Context, key datastore.RegistryKey) error {
	return Resync(ctx, c.registry, key)
}

// Resync creates the entry if needed and moves it to pending, bypassing any
// retry backoff. An entry that is being synced is flagged so the running
// sync ends in pending.
func Resync(ctx context.Context, registry datastore.Registry, key datastore.RegistryKey) error {
	if _, err := registry.Upsert(ctx, key); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}

	if _, err := registry.Update(ctx, key, func(e *datastore.RegistryEntry) bool {
		if e.SyncState == datastore.SyncStateStarted {
			e.ResyncRequested = true
			return true
		}
		e.SyncState = datastore.SyncStatePending
		e.NextRetryAt = nil
		return true
	}); err != nil {
		return fmt.Errorf("mark pending: %w", err)
	}
	return nil
}

// remove destroys the local replica and its registry entry.
func (c *Consumer) remove(ctx context.Context, repl *replicator.Replicator, key datastore.RegistryKey) error {
	if err := repl.Destroy(ctx, key.ID); err != nil {
		return err
	}
	if _, err := c.registry.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete registry entry: %w", err)
	}
	return nil
}

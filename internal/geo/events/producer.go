// Package events announces changes of primary replicables to secondaries
// and applies those announcements to the registry of a secondary.
package events

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore"
)

// Producer commits primary mutations together with the lifecycle events
// announcing them.
type Producer struct {
	log    logrus.FieldLogger
	outbox datastore.Outbox
}

// NewProducer returns a Producer committing through outbox.
func NewProducer(logger logrus.FieldLogger, outbox datastore.Outbox) *Producer {
	return &Producer{log: logger.WithField("component", "event_producer"), outbox: outbox}
}

// Created applies mutation and announces the creation of the replicable.
func (p *Producer) Created(ctx context.Context, typ string, id int64, mutation datastore.Mutation) error {
	return p.commit(ctx, typ, id, datastore.EventCreated, mutation)
}

// Updated applies mutation and announces the change of the replicable.
func (p *Producer) Updated(ctx context.Context, typ string, id int64, mutation datastore.Mutation) error {
	return p.commit(ctx, typ, id, datastore.EventUpdated, mutation)
}

// Deleted applies mutation and announces the removal of the replicable.
func (p *Producer) Deleted(ctx context.Context, typ string, id int64, mutation datastore.Mutation) error {
	return p.commit(ctx, typ, id, datastore.EventDeleted, mutation)
}

func (p *Producer) commit(ctx context.Context, typ string, id int64, kind datastore.EventKind, mutation datastore.Mutation) error {
	queued, err := p.outbox.CommitWithEvent(ctx, mutation, datastore.LifecycleEvent{
		ReplicableType: typ,
		ReplicableID:   id,
		Kind:           kind,
	})
	if err != nil {
		return fmt.Errorf("commit %s event of %s %d: %w", kind, typ, id, err)
	}

	p.log.WithFields(logrus.Fields{
		"replicable_type": typ,
		"replicable_id":   id,
		"event_kind":      kind,
		"sites":           len(queued),
	}).Debug("lifecycle event committed")
	return nil
}

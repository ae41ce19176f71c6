package datastore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// defaultAttempts is the number of deliveries of an event before it is dead.
const defaultAttempts = 3

var errDeadAckedAsFailed = errors.New("event acknowledged as failed with no attempts left, should be 'dead'")

// EventQueue is the per-site delivery queue of lifecycle events. Delivery
// is at least once: an event stays in the queue until it is acknowledged
// as completed or dead.
type EventQueue interface {
	// Enqueue adds the event to the queue of a site.
	Enqueue(ctx context.Context, site string, event LifecycleEvent) (QueuedEvent, error)
	// Dequeue marks up to count ready or failed events of a site as in
	// progress and returns them in insertion order. Every dequeue uses up
	// one attempt.
	Dequeue(ctx context.Context, site string, count int) ([]QueuedEvent, error)
	// Acknowledge moves in progress events into a final or failed state and
	// returns the IDs that were updated. Events not in progress are skipped.
	Acknowledge(ctx context.Context, state JobState, ids []uint64) ([]uint64, error)
	// AcknowledgeStale releases events that stayed in progress for longer
	// than staleAfter, for example because the consumer crashed.
	AcknowledgeStale(ctx context.Context, staleAfter time.Duration) error
}

func allowToAck(state JobState) error {
	switch state {
	case JobStateCompleted, JobStateFailed, JobStateDead:
		return nil
	default:
		return fmt.Errorf("event state can't be set to %q", state)
	}
}

// staleState is the state a stale in progress event is released into.
func staleState(attempt int) JobState {
	if attempt > 0 {
		return JobStateFailed
	}
	return JobStateDead
}

package datastore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// NewMemoryEventQueue returns an in-memory EventQueue. Events are lost on
// restart.
func NewMemoryEventQueue() *MemoryEventQueue {
	return &MemoryEventQueue{now: time.Now}
}

// MemoryEventQueue is an in-memory implementation of the EventQueue.
type MemoryEventQueue struct {
	sync.Mutex
	seq    uint64
	queued []QueuedEvent
	now    func() time.Time
}

func (q *MemoryEventQueue) Enqueue(_ context.Context, site string, event LifecycleEvent) (QueuedEvent, error) {
	q.Lock()
	defer q.Unlock()
	return q.enqueue(site, event), nil
}

// enqueue needs to be called with lock protection.
func (q *MemoryEventQueue) enqueue(site string, event LifecycleEvent) QueuedEvent {
	q.seq++
	queued := QueuedEvent{
		ID:        q.seq,
		Site:      site,
		State:     JobStateReady,
		Attempt:   defaultAttempts,
		Event:     event,
		CreatedAt: q.now().UTC(),
	}
	queued.Event.EmittedAt = queued.Event.EmittedAt.UTC()
	q.queued = append(q.queued, queued)
	return queued
}

func (q *MemoryEventQueue) Dequeue(_ context.Context, site string, count int) ([]QueuedEvent, error) {
	q.Lock()
	defer q.Unlock()

	var result []QueuedEvent
	for i := range q.queued {
		if len(result) >= count {
			break
		}

		event := q.queued[i]
		if event.Site != site || (event.State != JobStateReady && event.State != JobStateFailed) {
			continue
		}

		updatedAt := q.now().UTC()
		event.Attempt--
		event.State = JobStateInProgress
		event.UpdatedAt = &updatedAt
		q.queued[i] = event

		result = append(result, event)
	}

	return result, nil
}

func (q *MemoryEventQueue) Acknowledge(_ context.Context, state JobState, ids []uint64) ([]uint64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	if err := allowToAck(state); err != nil {
		return nil, err
	}

	q.Lock()
	defer q.Unlock()

	var result []uint64
	for _, id := range ids {
		i := q.indexOf(id)
		if i < 0 || q.queued[i].State != JobStateInProgress {
			continue
		}

		if q.queued[i].Attempt == 0 && state == JobStateFailed {
			return nil, errDeadAckedAsFailed
		}

		result = append(result, id)
		if state == JobStateCompleted {
			q.remove(i)
			continue
		}

		updatedAt := q.now().UTC()
		q.queued[i].State = state
		q.queued[i].UpdatedAt = &updatedAt
	}

	return result, nil
}

func (q *MemoryEventQueue) AcknowledgeStale(_ context.Context, staleAfter time.Duration) error {
	q.Lock()
	defer q.Unlock()

	now := q.now().UTC()
	for i := range q.queued {
		event := &q.queued[i]
		if event.State != JobStateInProgress || event.UpdatedAt == nil || now.Sub(*event.UpdatedAt) <= staleAfter {
			continue
		}

		event.State = staleState(event.Attempt)
		event.UpdatedAt = &now
	}

	return nil
}

// Events returns a copy of all events still held by the queue.
func (q *MemoryEventQueue) Events() []QueuedEvent {
	q.Lock()
	defer q.Unlock()
	return append([]QueuedEvent(nil), q.queued...)
}

func (q *MemoryEventQueue) indexOf(id uint64) int {
	for i := range q.queued {
		if q.queued[i].ID == id {
			return i
		}
	}
	return -1
}

// remove deletes i-th element from the queue.
func (q *MemoryEventQueue) remove(i int) {
	if i < 0 || i >= len(q.queued) {
		panic(fmt.Sprintf("invalid index %d for queue of length %d", i, len(q.queued)))
	}
	q.queued = append(q.queued[:i], q.queued[i+1:]...)
}

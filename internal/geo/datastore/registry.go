package datastore

import (
	"context"
	"errors"
	"time"
)

// ErrEntryNotFound is returned when the registry has no entry for a key.
var ErrEntryNotFound = errors.New("registry entry not found")

// maxUpdateAttempts bounds how often Update re-reads an entry that keeps
// changing underneath it.
const maxUpdateAttempts = 10

// ListFilter narrows a registry listing. Zero fields match everything.
type ListFilter struct {
	Site              string
	Type              string
	SyncState         SyncState
	VerificationState VerificationState
	// FailureKind selects failed entries of one kind, e.g. source_missing.
	FailureKind string
	// AfterID pages through entries of one type ordered by ID.
	AfterID int64
	Limit   int
}

// StateCounts is the number of entries per state of one site.
type StateCounts struct {
	Sync         map[SyncState]int64
	Verification map[VerificationState]int64
}

// UpdateFunc mutates an entry in place. Returning false aborts the update
// without writing, for example when a precondition does not hold.
type UpdateFunc func(*RegistryEntry) bool

// Registry is the durable per-site replication ledger. It holds no business
// logic, only keyed access and atomic compare-and-set updates.
type Registry interface {
	// Upsert creates a pending entry for key if none exists and returns the
	// current entry.
	Upsert(ctx context.Context, key RegistryKey) (RegistryEntry, error)
	// Get returns ErrEntryNotFound if the entry does not exist.
	Get(ctx context.Context, key RegistryKey) (RegistryEntry, error)
	// Update atomically applies fn to the current entry. Concurrent writers
	// are detected through the lock version and fn is re-applied on the
	// fresh entry. It returns false when fn aborted the update.
	Update(ctx context.Context, key RegistryKey, fn UpdateFunc) (bool, error)
	// Delete removes the entry. It returns false if there was none.
	Delete(ctx context.Context, key RegistryKey) (bool, error)
	// DeleteSite removes all entries of a decommissioned site.
	DeleteSite(ctx context.Context, site string) (int64, error)
	// DueForSync returns pending entries without a future retry time and
	// failed entries whose retry time has passed, oldest first.
	DueForSync(ctx context.Context, site string, limit int, now time.Time) ([]RegistryEntry, error)
	// DueForVerification returns synced entries with pending verification,
	// oldest first.
	DueForVerification(ctx context.Context, site string, limit int) ([]RegistryEntry, error)
	// DueForReverification returns synced entries in the given verification
	// state that were last verified before verifiedBefore, oldest first.
	DueForReverification(ctx context.Context, site string, state VerificationState, verifiedBefore time.Time, limit int) ([]RegistryEntry, error)
	// StaleStarted returns entries whose sync started before the given time.
	StaleStarted(ctx context.Context, site string, before time.Time, limit int) ([]RegistryEntry, error)
	// StaleVerificationStarted returns entries whose verification started
	// before the given time.
	StaleVerificationStarted(ctx context.Context, site string, before time.Time, limit int) ([]RegistryEntry, error)
	// List returns entries matching the filter ordered by type and ID.
	List(ctx context.Context, filter ListFilter) ([]RegistryEntry, error)
	// CountByState returns the number of entries per state.
	CountByState(ctx context.Context, site string) (StateCounts, error)
}

// UpdateExisting is Update reporting an entry that was deleted meanwhile
// as an aborted update instead of an error.
func UpdateExisting(ctx context.Context, r Registry, key RegistryKey, fn UpdateFunc) (bool, error) {
	updated, err := r.Update(ctx, key, fn)
	if errors.Is(err, ErrEntryNotFound) {
		return false, nil
	}
	return updated, err
}

// Transition moves the sync state of an entry from one state to another
// with compare-and-set semantics. It returns false without error when the
// entry is not in the from state, so concurrent callers cannot both win.
// mutate may adjust further fields as part of the same write.
func Transition(ctx context.Context, r Registry, key RegistryKey, from, to SyncState, mutate func(*RegistryEntry)) (bool, error) {
	return r.Update(ctx, key, func(e *RegistryEntry) bool {
		if e.SyncState != from {
			return false
		}
		e.SyncState = to
		if mutate != nil {
			mutate(e)
		}
		return true
	})
}

// TransitionVerification is Transition for the verification state.
func TransitionVerification(ctx context.Context, r Registry, key RegistryKey, from, to VerificationState, mutate func(*RegistryEntry)) (bool, error) {
	return r.Update(ctx, key, func(e *RegistryEntry) bool {
		if e.VerificationState != from {
			return false
		}
		e.VerificationState = to
		if mutate != nil {
			mutate(e)
		}
		return true
	})
}

func newEntry(key RegistryKey, now time.Time) RegistryEntry {
	return RegistryEntry{
		RegistryKey:       key,
		SyncState:         SyncStatePending,
		VerificationState: VerificationPending,
		StateChangedAt:    now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// stamp carries the bookkeeping fields of an update over from the entry it
// was derived from.
func stamp(before RegistryEntry, after *RegistryEntry, now time.Time) {
	after.RegistryKey = before.RegistryKey
	after.LockVersion = before.LockVersion + 1
	after.CreatedAt = before.CreatedAt
	after.UpdatedAt = now
	if after.SyncState != before.SyncState {
		after.StateChangedAt = now
	}
}

// IsDueForSync reports whether the entry is due for a sync attempt at now.
func (e RegistryEntry) IsDueForSync(now time.Time) bool { return isDueForSync(e, now) }

func isDueForSync(e RegistryEntry, now time.Time) bool {
	switch e.SyncState {
	case SyncStatePending:
		return e.NextRetryAt == nil || !e.NextRetryAt.After(now)
	case SyncStateFailed:
		return e.NextRetryAt != nil && !e.NextRetryAt.After(now)
	default:
		return false
	}
}

func (f ListFilter) matches(e RegistryEntry) bool {
	switch {
	case f.Site != "" && e.Site != f.Site:
		return false
	case f.Type != "" && e.Type != f.Type:
		return false
	case f.SyncState != "" && e.SyncState != f.SyncState:
		return false
	case f.VerificationState != "" && e.VerificationState != f.VerificationState:
		return false
	case f.FailureKind != "" && string(e.FailureKind) != f.FailureKind:
		return false
	case f.AfterID > 0 && e.ID <= f.AfterID:
		return false
	default:
		return true
	}
}

func newStateCounts() StateCounts {
	counts := StateCounts{
		Sync:         make(map[SyncState]int64, len(SyncStates)),
		Verification: make(map[VerificationState]int64, len(VerificationStates)),
	}
	for _, s := range SyncStates {
		counts.Sync[s] = 0
	}
	for _, s := range VerificationStates {
		counts.Verification[s] = 0
	}
	return counts
}

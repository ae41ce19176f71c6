package datastore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// NewMemoryRegistry returns an in-memory Registry. State is lost on restart.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: map[RegistryKey]RegistryEntry{}, now: time.Now}
}

// MemoryRegistry is an in-memory implementation of the Registry.
type MemoryRegistry struct {
	sync.RWMutex
	entries map[RegistryKey]RegistryEntry
	now     func() time.Time
}

func copyEntry(e RegistryEntry) RegistryEntry {
	for _, t := range []**time.Time{&e.NextRetryAt, &e.LastSyncedAt, &e.VerificationStartedAt, &e.VerifiedAt} {
		if *t != nil {
			v := **t
			*t = &v
		}
	}
	return e
}

func (m *MemoryRegistry) Upsert(_ context.Context, key RegistryKey) (RegistryEntry, error) {
	m.Lock()
	defer m.Unlock()

	if e, ok := m.entries[key]; ok {
		return copyEntry(e), nil
	}

	e := newEntry(key, m.now().UTC())
	m.entries[key] = e
	return copyEntry(e), nil
}

func (m *MemoryRegistry) Get(_ context.Context, key RegistryKey) (RegistryEntry, error) {
	m.RLock()
	defer m.RUnlock()

	e, ok := m.entries[key]
	if !ok {
		return RegistryEntry{}, ErrEntryNotFound
	}
	return copyEntry(e), nil
}

func (m *MemoryRegistry) Update(_ context.Context, key RegistryKey, fn UpdateFunc) (bool, error) {
	m.Lock()
	defer m.Unlock()

	before, ok := m.entries[key]
	if !ok {
		return false, ErrEntryNotFound
	}

	after := copyEntry(before)
	if !fn(&after) {
		return false, nil
	}

	stamp(before, &after, m.now().UTC())
	m.entries[key] = copyEntry(after)
	return true, nil
}

func (m *MemoryRegistry) Delete(_ context.Context, key RegistryKey) (bool, error) {
	m.Lock()
	defer m.Unlock()

	_, ok := m.entries[key]
	delete(m.entries, key)
	return ok, nil
}

func (m *MemoryRegistry) DeleteSite(_ context.Context, site string) (int64, error) {
	m.Lock()
	defer m.Unlock()

	var n int64
	for key := range m.entries {
		if key.Site == site {
			delete(m.entries, key)
			n++
		}
	}
	return n, nil
}

func (m *MemoryRegistry) collect(limit int, match func(RegistryEntry) bool, less func(a, b RegistryEntry) bool) []RegistryEntry {
	m.RLock()
	defer m.RUnlock()

	var result []RegistryEntry
	for _, e := range m.entries {
		if match(e) {
			result = append(result, copyEntry(e))
		}
	}

	sort.Slice(result, func(i, j int) bool { return less(result[i], result[j]) })

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func byStateChange(a, b RegistryEntry) bool {
	if !a.StateChangedAt.Equal(b.StateChangedAt) {
		return a.StateChangedAt.Before(b.StateChangedAt)
	}
	return byTypeAndID(a, b)
}

func byVerifiedAt(a, b RegistryEntry) bool {
	if !a.VerifiedAt.Equal(*b.VerifiedAt) {
		return a.VerifiedAt.Before(*b.VerifiedAt)
	}
	return byTypeAndID(a, b)
}

func byTypeAndID(a, b RegistryEntry) bool {
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	return a.ID < b.ID
}

func (m *MemoryRegistry) DueForSync(_ context.Context, site string, limit int, now time.Time) ([]RegistryEntry, error) {
	return m.collect(limit, func(e RegistryEntry) bool {
		return e.Site == site && isDueForSync(e, now)
	}, byStateChange), nil
}

func (m *MemoryRegistry) DueForVerification(_ context.Context, site string, limit int) ([]RegistryEntry, error) {
	return m.collect(limit, func(e RegistryEntry) bool {
		return e.Site == site && e.SyncState == SyncStateSynced && e.VerificationState == VerificationPending
	}, byStateChange), nil
}

func (m *MemoryRegistry) DueForReverification(_ context.Context, site string, state VerificationState, verifiedBefore time.Time, limit int) ([]RegistryEntry, error) {
	return m.collect(limit, func(e RegistryEntry) bool {
		return e.Site == site &&
			e.SyncState == SyncStateSynced &&
			e.VerificationState == state &&
			e.VerifiedAt != nil &&
			e.VerifiedAt.Before(verifiedBefore)
	}, byVerifiedAt), nil
}

func (m *MemoryRegistry) StaleStarted(_ context.Context, site string, before time.Time, limit int) ([]RegistryEntry, error) {
	return m.collect(limit, func(e RegistryEntry) bool {
		return e.Site == site && e.SyncState == SyncStateStarted && e.StateChangedAt.Before(before)
	}, byStateChange), nil
}

func (m *MemoryRegistry) StaleVerificationStarted(_ context.Context, site string, before time.Time, limit int) ([]RegistryEntry, error) {
	return m.collect(limit, func(e RegistryEntry) bool {
		return e.Site == site &&
			e.VerificationState == VerificationStarted &&
			e.VerificationStartedAt != nil &&
			e.VerificationStartedAt.Before(before)
	}, byStateChange), nil
}

func (m *MemoryRegistry) List(_ context.Context, filter ListFilter) ([]RegistryEntry, error) {
	return m.collect(filter.Limit, filter.matches, byTypeAndID), nil
}

func (m *MemoryRegistry) CountByState(_ context.Context, site string) (StateCounts, error) {
	m.RLock()
	defer m.RUnlock()

	counts := newStateCounts()
	for _, e := range m.entries {
		if e.Site != site {
			continue
		}
		counts.Sync[e.SyncState]++
		counts.Verification[e.VerificationState]++
	}
	return counts, nil
}

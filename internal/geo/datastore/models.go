package datastore

import (
	"fmt"
	"time"

	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/commonerr"
)

// SyncState is the replication state of a registry entry.
type SyncState string

const (
	// SyncStatePending waits for a sync attempt.
	SyncStatePending = SyncState("pending")
	// SyncStateStarted is held by exactly one worker. It doubles as the lease.
	SyncStateStarted = SyncState("started")
	// SyncStateSynced means the local copy matched the primary when synced.
	SyncStateSynced = SyncState("synced")
	// SyncStateFailed records the last attempt failed.
	SyncStateFailed = SyncState("failed")
)

// SyncStates lists all sync states in display order.
var SyncStates = []SyncState{SyncStatePending, SyncStateStarted, SyncStateSynced, SyncStateFailed}

// VerificationState is the checksum verification state of a registry entry.
type VerificationState string

const (
	// VerificationPending waits for a checksum comparison.
	VerificationPending = VerificationState("pending")
	// VerificationStarted is held by exactly one verifier.
	VerificationStarted = VerificationState("started")
	// VerificationSucceeded means the local checksum matched the primary.
	VerificationSucceeded = VerificationState("succeeded")
	// VerificationFailed means the checksums differed or could not be computed.
	VerificationFailed = VerificationState("failed")
	// VerificationDisabled marks content that cannot be checksummed.
	VerificationDisabled = VerificationState("disabled")
)

// VerificationStates lists all verification states in display order.
var VerificationStates = []VerificationState{
	VerificationPending, VerificationStarted, VerificationSucceeded, VerificationFailed, VerificationDisabled,
}

// RegistryKey identifies a registry entry.
type RegistryKey struct {
	Type string
	ID   int64
	Site string
}

func (k RegistryKey) String() string {
	return fmt.Sprintf("%s/%d@%s", k.Type, k.ID, k.Site)
}

// RegistryEntry is the per (replicable, secondary site) replication record.
type RegistryEntry struct {
	RegistryKey

	SyncState       SyncState
	RetryCount      int
	LastSyncFailure string
	FailureKind     commonerr.Kind
	// NextRetryAt is nil for entries that are due right away when pending
	// and for entries that must never be retried automatically when failed.
	NextRetryAt    *time.Time
	LastSyncedAt   *time.Time
	StateChangedAt time.Time
	// ResyncRequested is set when an update arrives while a sync runs. The
	// running sync then ends in pending instead of synced.
	ResyncRequested bool

	VerificationState     VerificationState
	Checksum              string
	VerificationFailure   string
	VerificationStartedAt *time.Time
	VerifiedAt            *time.Time
	ChecksumMismatch      bool
	MismatchCount         int

	// LockVersion increases on every write and guards compare-and-set updates.
	LockVersion int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Replicable is the projection of a primary-side object the replication
// engine needs.
type Replicable struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
	// Path is the content location relative to the storage root: a blob
	// path or a repository path.
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	Exists    bool   `json:"exists"`
	Immutable bool   `json:"immutable"`
	// Checksummable is false for externally stored content.
	Checksummable bool `json:"checksummable"`
	// Checksum is the primary checksum. Empty until computed.
	Checksum string `json:"checksum,omitempty"`
	// PoolPath is the object pool the repository borrows objects from.
	PoolPath string `json:"pool_path,omitempty"`
	// OID is the content address of LFS objects.
	OID string `json:"oid,omitempty"`
}

// EventKind is the kind of a lifecycle event.
type EventKind string

const (
	// EventCreated is emitted when a replicable is created on the primary.
	EventCreated = EventKind("created")
	// EventUpdated is emitted when a replicable changes on the primary.
	EventUpdated = EventKind("updated")
	// EventDeleted is emitted when a replicable is removed from the primary.
	EventDeleted = EventKind("deleted")
)

// LifecycleEvent is the wire shape of a replication hint. It carries no
// content, consumers fetch current state from the primary.
type LifecycleEvent struct {
	ReplicableType string    `json:"replicable_type"`
	ReplicableID   int64     `json:"replicable_id"`
	Kind           EventKind `json:"event_kind"`
	EmittedAt      time.Time `json:"emitted_at"`
}

// JobState is the delivery state of a queued event.
type JobState string

const (
	// JobStateReady is ready to be delivered.
	JobStateReady = JobState("ready")
	// JobStateInProgress was dequeued and is being handled.
	JobStateInProgress = JobState("in_progress")
	// JobStateCompleted was handled.
	JobStateCompleted = JobState("completed")
	// JobStateFailed failed and will be delivered again while attempts are left.
	JobStateFailed = JobState("failed")
	// JobStateDead failed with no attempts left.
	JobStateDead = JobState("dead")
)

// QueuedEvent is a lifecycle event queued for one secondary site.
type QueuedEvent struct {
	ID        uint64
	Site      string
	State     JobState
	Attempt   int
	Event     LifecycleEvent
	CreatedAt time.Time
	UpdatedAt *time.Time
}

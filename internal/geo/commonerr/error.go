// Package commonerr contains the error taxonomy shared by the replication
// components. Content strategies classify raw transport and storage errors
// into one of the kinds below before returning them, so the orchestrator
// only ever reasons about kinds.
package commonerr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind is the class of a replication failure.
type Kind string

const (
	// KindTransientIO covers network errors and timeouts. Retried with backoff.
	KindTransientIO Kind = "transient_io"
	// KindSourceMissing means the object is absent on the primary. Never
	// retried automatically.
	KindSourceMissing Kind = "source_missing"
	// KindChecksumUnsupported marks content that cannot be checksummed.
	// Verification gets disabled for it.
	KindChecksumUnsupported Kind = "checksum_unsupported"
	// KindLeaseConflict means another worker owns the registry entry.
	KindLeaseConflict Kind = "lease_conflict"
	// KindStoreUnavailable means the registry store could not be reached.
	// The whole pass backs off.
	KindStoreUnavailable Kind = "store_unavailable"
)

// Error is a classified replication error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a classified error of the same kind, so
// errors.Is(err, commonerr.ErrSourceMissing) works on any wrapped chain.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// Sentinels usable with errors.Is.
var (
	ErrTransientIO         = &Error{Kind: KindTransientIO}
	ErrSourceMissing       = &Error{Kind: KindSourceMissing}
	ErrChecksumUnsupported = &Error{Kind: KindChecksumUnsupported}
	ErrLeaseConflict       = &Error{Kind: KindLeaseConflict}
	ErrStoreUnavailable    = &Error{Kind: KindStoreUnavailable}
)

// New returns a classified error.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// TransientIO classifies err as transient_io.
func TransientIO(op string, err error) error { return New(KindTransientIO, op, err) }

// SourceMissing classifies err as source_missing.
func SourceMissing(op string, err error) error { return New(KindSourceMissing, op, err) }

// ChecksumUnsupported classifies err as checksum_unsupported.
func ChecksumUnsupported(op string, err error) error { return New(KindChecksumUnsupported, op, err) }

// LeaseConflict classifies err as lease_conflict.
func LeaseConflict(op string, err error) error { return New(KindLeaseConflict, op, err) }

// StoreUnavailable classifies err as store_unavailable.
func StoreUnavailable(op string, err error) error { return New(KindStoreUnavailable, op, err) }

// KindOf returns the kind of err. Unclassified deadline and network errors
// count as transient_io, anything else unclassified has an empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientIO
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransientIO
	}

	return ""
}

// Classify returns err classified with fallback when it carries no kind yet.
func Classify(op string, err error, fallback Kind) error {
	if err == nil {
		return nil
	}
	if kind := KindOf(err); kind != "" {
		if _, ok := err.(*Error); ok {
			return err
		}
		return New(kind, op, err)
	}
	return New(fallback, op, err)
}

// IsRetriable reports whether the orchestrator may retry after err.
func IsRetriable(err error) bool {
	switch KindOf(err) {
	case KindSourceMissing, KindChecksumUnsupported:
		return false
	default:
		return true
	}
}

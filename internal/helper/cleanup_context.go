package helper

import (
	"context"
	"time"
)

// detached keeps the values of its parent, such as the correlation ID, but
// is never done.
type detached struct{ context.Context }

func (detached) Deadline() (time.Time, bool) { return time.Time{}, false }
func (detached) Done() <-chan struct{}       { return nil }
func (detached) Err() error                  { return nil }

// CleanupContext returns a context for bookkeeping that must still happen
// after ctx was cancelled, like releasing a registry lease or acknowledging
// an event on shutdown. It carries the values of ctx and expires after
// timeout.
func CleanupContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(detached{ctx}, timeout)
}

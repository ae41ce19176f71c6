// Package dontpanic keeps background loops of the replication daemon alive.
// A panic in a sync pass, an event pass or a verification pass is recovered,
// reported to Sentry and logged, and the loop is restarted after a pause.
package dontpanic

import (
	"context"
	"fmt"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"gitlab.com/gitlab-org/gitlab-geo/internal/log"
)

// Try will wrap the provided function with a panic recovery. If a panic occurs,
// the recovered panic will be sent to Sentry and logged as an error.
// Returns `true` if no panic and `false` otherwise.
func Try(fn func()) bool { return catchAndLog(fn) }

// Go will run the provided function in a goroutine and recover from any
// panics.
func Go(fn func()) { go Try(fn) }

var logger = log.Default()

func catchAndLog(fn func()) bool {
	var id *sentry.EventID
	var recovered interface{}
	normal := true

	func() {
		defer func() {
			recovered = recover()
			if recovered == nil {
				return
			}
			normal = false

			err, ok := recovered.(error)
			if !ok {
				err = fmt.Errorf("%v", recovered)
			}
			id = sentry.CaptureException(err)
		}()
		fn()
	}()

	if normal {
		return true
	}

	entry := logger
	if id != nil && *id != "" {
		entry = entry.WithField("sentry_id", *id)
	}
	entry.Errorf("dontpanic: recovered value: %+v", recovered)

	return false
}

// Forever runs a blocking loop function until its context is cancelled,
// restarting it after a panic or an unexpected return.
type Forever struct {
	backoff time.Duration
}

// NewForever creates a new Forever. backoff is the pause between a failed
// run and the next one.
func NewForever(backoff time.Duration) *Forever {
	return &Forever{backoff: backoff}
}

// Run calls fn until ctx is done. It returns ctx.Err().
func (f *Forever) Run(ctx context.Context, name string, fn func(context.Context) error) error {
	for {
		var err error
		if Try(func() { err = fn(ctx) }) && ctx.Err() != nil {
			return ctx.Err()
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		entry := logger.WithField("loop", name)
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Warnf("dontpanic: loop stopped, restarting in %s", f.backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.backoff):
		}
	}
}

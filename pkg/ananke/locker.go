// Package ananke provides the named mutual exclusion held by every Up and
// Down invocation for one network/device identity.
package ananke

import (
	"context"
	"errors"
	"time"

	"github.com/tartarus-sandbox/styx/pkg/domain"
)

// ErrLockTimeout is returned when the lock is still held by another
// invocation once the acquisition timeout elapses.
var ErrLockTimeout = errors.New("timed out waiting for lock")

// pollInterval is how often a held lock is retried.
const pollInterval = 50 * time.Millisecond

// Release gives the lock back. It is safe to call more than once.
type Release func()

type Locker interface {
	Acquire(ctx context.Context, id domain.Identity, timeout time.Duration) (Release, error)
}

// poll calls try until it reports acquisition, the timeout elapses, or ctx
// is done.
func poll(ctx context.Context, timeout time.Duration, try func() (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrLockTimeout
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

package cdpcontrol

import (
	"context"
	"errors"
	"time"
)

// DefaultPollInterval is the fixed spacing between checks of a bounded wait.
const DefaultPollInterval = 250 * time.Millisecond

// ErrPollTimeout is returned by Poll when the deadline passes without success.
var ErrPollTimeout = errors.New("poll deadline exceeded")

// Poll calls check until it reports true, returns an error, or timeout elapses.
// check always runs at least once, and once more at the deadline.
func Poll(ctx context.Context, timeout, interval time.Duration, check func(context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	deadline := time.Now().Add(timeout)
	for {
		ok, err := check(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrPollTimeout
		}
		wait := interval
		if remaining < wait {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

package docker

import (
	"context"
	"time"
)

// Backoff is a linear poll delay: Initial, then one Step longer per attempt,
// capped at Max.
type Backoff struct {
	Initial time.Duration
	Step    time.Duration
	Max     time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial: 2 * time.Second,
		Step:    time.Second,
		Max:     60 * time.Second,
	}
}

// Delay returns the wait before poll attempt+1.
func (b Backoff) Delay(attempt int) time.Duration {
	delay := b.Initial + time.Duration(attempt)*b.Step
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

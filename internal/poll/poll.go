// Package poll provides the clock abstraction and the wait-for-condition
// loop used by every page interaction and by the run coordinator.
package poll

import (
	"context"
	"time"
)

// Clock is the time source for waits. Tests substitute a FakeClock.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

// RealClock is the wall clock.
var RealClock Clock = realClock{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Probe reports the value found, whether the condition holds, and any error
// that should abort the wait.
type Probe[T any] func(ctx context.Context) (T, bool, error)

// Until runs probe immediately and then every interval until it reports
// found, the timeout elapses or ctx is done. A timeout returns the zero value
// with found=false and a nil error.
func Until[T any](ctx context.Context, clock Clock, interval, timeout time.Duration, probe Probe[T]) (T, bool, error) {
	var zero T
	if clock == nil {
		clock = RealClock
	}
	deadline := clock.Now().Add(timeout)
	for {
		v, ok, err := probe(ctx)
		if err != nil {
			return zero, false, err
		}
		if ok {
			return v, true, nil
		}
		remaining := deadline.Sub(clock.Now())
		if remaining <= 0 {
			return zero, false, nil
		}
		wait := interval
		if wait > remaining {
			wait = remaining
		}
		if err := Sleep(ctx, clock, wait); err != nil {
			return zero, false, err
		}
	}
}

// Sleep waits d or until ctx is done.
func Sleep(ctx context.Context, clock Clock, d time.Duration) error {
	if clock == nil {
		clock = RealClock
	}
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}

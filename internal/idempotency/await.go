package idempotency

import (
	"context"
	"errors"
	"time"
)

// ErrStillInFlight is returned by Await when the attempts run out.
var ErrStillInFlight = errors.New("idempotency key still in flight")

// Backoff bounds the polling of an in-flight key.
type Backoff struct {
	Initial  time.Duration
	Max      time.Duration
	Attempts int
}

// DefaultBackoff polls for roughly two seconds in total.
var DefaultBackoff = Backoff{Initial: 25 * time.Millisecond, Max: 400 * time.Millisecond, Attempts: 8}

// delay returns the wait before attempt i (0-based), doubling up to Max.
func (b Backoff) delay(i int) time.Duration {
	d := b.Initial
	for ; i > 0 && d < b.Max; i-- {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Await polls until the lookup is no longer an in-flight miss.
// There is no wake-up signal; the caller is blocked by polling only.
// On exhaustion the last lookup is returned together with ErrStillInFlight.
func Await(ctx context.Context, poll func(context.Context) (Lookup, error), b Backoff) (Lookup, error) {
	if b.Attempts <= 0 {
		b = DefaultBackoff
	}
	var last Lookup = Miss{InFlight: true}
	for i := 0; i < b.Attempts; i++ {
		timer := time.NewTimer(b.delay(i))
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, ctx.Err()
		case <-timer.C:
		}

		lookup, err := poll(ctx)
		if err != nil {
			return nil, err
		}
		if miss, ok := lookup.(Miss); !ok || !miss.InFlight {
			return lookup, nil
		}
		last = lookup
	}
	return last, ErrStillInFlight
}

package deliveryerr

import (
	"context"
	"time"
)

// backoffSchedule is the fixed exponential backoff spec §7 prescribes for
// TransientStorage retries: 1s, 2s, 4s.
var backoffSchedule = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// Retry runs fn up to len(backoffSchedule)+1 times, sleeping the schedule
// between attempts, but only while fn's error classifies as
// KindTransientStorage. Any other error (or success) returns immediately.
// Exhausting the schedule returns the last error unchanged so the caller can
// leave any in-flight Delivery in its prior state, per spec §7.
func Retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !IsRetryable(err) {
			return err
		}
		if attempt >= len(backoffSchedule) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffSchedule[attempt]):
		}
	}
}

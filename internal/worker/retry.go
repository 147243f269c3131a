package worker

import (
	"context"
	"time"

	"github.com/ajitpratap0/logpipe/pkg/errors"
)

// Backoff is a bounded exponential retry schedule.
type Backoff struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
	// Multiplier grows the delay per attempt; values below 1 mean 2.
	Multiplier float64
}

// delay returns the wait before retry number attempt (1-based).
func (b Backoff) delay(attempt int) time.Duration {
	if attempt < 1 || b.Delay <= 0 {
		return 0
	}
	m := b.Multiplier
	if m < 1 {
		m = 2
	}
	d := b.Delay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * m)
		if b.MaxDelay > 0 && d >= b.MaxDelay {
			return b.MaxDelay
		}
	}
	if b.MaxDelay > 0 && d > b.MaxDelay {
		return b.MaxDelay
	}
	return d
}

// Do calls fn until it succeeds, returns a SchemaViolation, or the attempts
// are spent. It returns the last error. Waiting stops early when
// ctx is done; fn itself is never interrupted by Do.
func (b Backoff) Do(ctx context.Context, fn func() error) error {
	attempts := b.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if waitErr := sleep(ctx, b.delay(attempt)); waitErr != nil {
				return err
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if permanent(err) {
			return err
		}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// permanent reports whether retrying err cannot help. Unclassified errors
// are treated as transient.
func permanent(err error) bool {
	return errors.IsKind(err, errors.KindSchemaViolation)
}

package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ajitpratap0/logpipe/pkg/sink"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Attempts: 5, Delay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond}

	assert.Equal(t, time.Duration(0), b.delay(0))
	assert.Equal(t, 10*time.Millisecond, b.delay(1))
	assert.Equal(t, 20*time.Millisecond, b.delay(2))
	assert.Equal(t, 40*time.Millisecond, b.delay(3))
	assert.Equal(t, 40*time.Millisecond, b.delay(4))
	assert.Equal(t, 40*time.Millisecond, b.delay(30))

	b.Multiplier = 1.5
	b.MaxDelay = 0
	assert.Equal(t, 15*time.Millisecond, b.delay(2))
	assert.Equal(t, 22500*time.Microsecond, b.delay(3))
}

func TestBackoffDo(t *testing.T) {
	fast := Backoff{Attempts: 3, Delay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := fast.Do(context.Background(), func() error {
			calls++
			if calls < 3 {
				return sink.Transient(fmt.Errorf("connection refused"), "insert")
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns last error when attempts are spent", func(t *testing.T) {
		calls := 0
		err := fast.Do(context.Background(), func() error {
			calls++
			return fmt.Errorf("attempt %d", calls)
		})
		assert.EqualError(t, err, "attempt 3")
		assert.Equal(t, 3, calls)
	})

	t.Run("schema violations are not retried", func(t *testing.T) {
		calls := 0
		err := fast.Do(context.Background(), func() error {
			calls++
			return sink.Schema(fmt.Errorf("null value in column"), "insert")
		})
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context stops waiting", func(t *testing.T) {
		slow := Backoff{Attempts: 5, Delay: time.Hour}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		calls := 0
		start := time.Now()
		err := slow.Do(ctx, func() error {
			calls++
			return fmt.Errorf("down")
		})
		assert.EqualError(t, err, "down")
		assert.Equal(t, 1, calls)
		assert.Less(t, time.Since(start), time.Second)
	})
}

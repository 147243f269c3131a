package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/ajitpratap0/logpipe/pkg/queue"
	"github.com/ajitpratap0/logpipe/pkg/queue/queuetest"
	"github.com/ajitpratap0/logpipe/pkg/testutil"
)

func TestMemoryQueueConformance(t *testing.T) {
	suite.Run(t, &queuetest.Suite{
		New: func(visibility time.Duration) queue.Queue {
			return New(WithVisibilityTimeout(visibility))
		},
	})
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRedeliveryIncrementsCountPerLease(t *testing.T) {
	clock := &fakeClock{now: testutil.FixedTime}
	q := New(WithVisibilityTimeout(time.Minute), WithClock(clock.Now))
	ctx := context.Background()

	_, err := q.Append(ctx, testutil.Record("poison"))
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		msgs, err := q.Read(ctx, "g", "c", 1, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, want, msgs[0].DeliveryCount)

		none, err := q.Read(ctx, "g", "c", 1, 0)
		require.NoError(t, err)
		assert.Empty(t, none)

		clock.Advance(time.Minute)
	}
}

func TestTrimKeepsEntriesUntilEveryGroupAcks(t *testing.T) {
	q := New()
	ctx := context.Background()

	for _, rec := range testutil.Records("m", 3) {
		_, err := q.Append(ctx, rec)
		require.NoError(t, err)
	}

	a, err := q.Read(ctx, "a", "c", 10, 0)
	require.NoError(t, err)
	b, err := q.Read(ctx, "b", "c", 10, 0)
	require.NoError(t, err)

	require.NoError(t, q.Ack(ctx, "a", queue.IDs(a)...))
	stats, _ := q.Stats(ctx)
	assert.Equal(t, int64(3), stats.Length)

	require.NoError(t, q.Ack(ctx, "b", queue.IDs(b)...))
	stats, _ = q.Stats(ctx)
	assert.Equal(t, int64(0), stats.Length)

	_, err = q.Append(ctx, testutil.Record("after-trim"))
	require.NoError(t, err)
	msgs, err := q.Read(ctx, "a", "c", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "after-trim", msgs[0].Record.Message)
}

func TestReadHonorsContextCancel(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := q.Read(ctx, "g", "c", 1, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestReadReturnsClonedRecords(t *testing.T) {
	q := New()
	ctx := context.Background()
	_, err := q.Append(ctx, testutil.Record("m"))
	require.NoError(t, err)

	msgs, err := q.Read(ctx, "g", "c", 1, 0)
	require.NoError(t, err)
	msgs[0].Record.Metadata.Set("mutated", true)

	other, err := q.Read(ctx, "other", "c", 1, 0)
	require.NoError(t, err)
	_, mutated := other[0].Record.Metadata.Get("mutated")
	assert.False(t, mutated)
}

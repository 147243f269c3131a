package broadcast

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/logpipe/pkg/codec"
	"github.com/ajitpratap0/logpipe/pkg/testutil"
)

func TestEventJSONIsFlattened(t *testing.T) {
	ev := Event{StorageID: 42, Record: testutil.Record("hello")}

	data, err := codec.Marshal(ev)
	require.NoError(t, err)
	assert.Regexp(t, `^\{"id":42,"timestamp":"2025-11-11T16:00:00Z","level":"INFO",`, string(data))
	assert.Contains(t, string(data), `"metadata":{"fixture":true}`)

	var back Event
	require.NoError(t, codec.Unmarshal(data, &back))
	assert.Equal(t, int64(42), back.StorageID)
	assert.Equal(t, "hello", back.Record.Message)
	assert.Equal(t, testutil.FixedTime, back.Record.Timestamp)
}

func TestLocalFanOut(t *testing.T) {
	bus := NewLocal(4, nil)
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	b, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, Event{StorageID: 1, Record: testutil.Record("x")}))

	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			assert.Equal(t, int64(1), ev.StorageID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestLocalDropsForFullSubscriber(t *testing.T) {
	var drops int32
	bus := NewLocal(1, func() { atomic.AddInt32(&drops, 1) })
	defer bus.Close()
	ctx := context.Background()

	slow, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, bus.Publish(ctx, Event{StorageID: i, Record: testutil.Record("x")}))
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&drops))
	assert.Equal(t, int64(1), (<-slow).StorageID)
}

func TestLocalUnsubscribesOnCancel(t *testing.T) {
	bus := NewLocal(1, nil)
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, bus.Subscribers())

	cancel()
	testutil.AssertEventually(t, func() bool { return bus.Subscribers() == 0 }, time.Second, "subscription removed")
	_, open := <-ch
	assert.False(t, open)
}

func TestLocalClose(t *testing.T) {
	bus := NewLocal(1, nil)
	ch, err := bus.Subscribe(context.Background())
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	_, open := <-ch
	assert.False(t, open)

	assert.ErrorIs(t, bus.Publish(context.Background(), Event{}), ErrClosed)
	_, err = bus.Subscribe(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, bus.Close())
}

package redisbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/logpipe/pkg/broadcast"
	"github.com/ajitpratap0/logpipe/pkg/codec"
	"github.com/ajitpratap0/logpipe/pkg/compression"
	"github.com/ajitpratap0/logpipe/pkg/testutil"
)

func receive(t *testing.T, ch <-chan broadcast.Event) broadcast.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
	return broadcast.Event{}
}

func TestPublishReachesEverySubscriber(t *testing.T) {
	s := miniredis.RunT(t)
	bus := New(testutil.RedisPool(s), Config{})
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	b, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, broadcast.Event{StorageID: 9, Record: testutil.Record("live")}))

	for _, ch := range []<-chan broadcast.Event{a, b} {
		ev := receive(t, ch)
		assert.Equal(t, int64(9), ev.StorageID)
		assert.Equal(t, "live", ev.Record.Message)
	}
}

func TestPublishUsesNewLogsChannel(t *testing.T) {
	s := miniredis.RunT(t)
	bus := New(testutil.RedisPool(s), Config{})
	defer bus.Close()
	ctx := context.Background()

	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.PubSubNumSub("new_logs")["new_logs"])

	require.NoError(t, bus.Publish(ctx, broadcast.Event{StorageID: 1, Record: testutil.Record("x")}))
	receive(t, ch)
}

func TestCompressedEventsDecodeWithPlainCodec(t *testing.T) {
	s := miniredis.RunT(t)
	c, err := codec.New(compression.LZ4)
	require.NoError(t, err)
	publisher := New(testutil.RedisPool(s), Config{Codec: c})
	defer publisher.Close()
	subscriber := New(testutil.RedisPool(s), Config{})
	defer subscriber.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := subscriber.Subscribe(ctx)
	require.NoError(t, err)
	require.NoError(t, publisher.Publish(ctx, broadcast.Event{StorageID: 3, Record: testutil.Record("small")}))

	ev := receive(t, ch)
	assert.Equal(t, int64(3), ev.StorageID)
}

func TestSubscriptionClosesOnCancel(t *testing.T) {
	s := miniredis.RunT(t)
	bus := New(testutil.RedisPool(s), Config{})
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed after cancel")
	}
}

func TestClosedBusRejectsSubscribe(t *testing.T) {
	s := miniredis.RunT(t)
	bus := New(testutil.RedisPool(s), Config{})
	require.NoError(t, bus.Close())

	_, err := bus.Subscribe(context.Background())
	assert.ErrorIs(t, err, broadcast.ErrClosed)
}

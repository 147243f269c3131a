package redisstream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/ajitpratap0/logpipe/pkg/codec"
	"github.com/ajitpratap0/logpipe/pkg/compression"
	"github.com/ajitpratap0/logpipe/pkg/queue"
	"github.com/ajitpratap0/logpipe/pkg/queue/queuetest"
	"github.com/ajitpratap0/logpipe/pkg/testutil"
)

func TestRedisStreamConformance(t *testing.T) {
	s := miniredis.RunT(t)
	suite.Run(t, &queuetest.Suite{
		New: func(visibility time.Duration) queue.Queue {
			s.FlushAll()
			return New(testutil.RedisPool(s), Config{VisibilityTimeout: visibility})
		},
	})
}

func TestAppendStoresPayloadUnderDataField(t *testing.T) {
	s := miniredis.RunT(t)
	q := New(testutil.RedisPool(s), Config{})
	defer q.Close()

	id, err := q.Append(context.Background(), testutil.Record("hello"))
	require.NoError(t, err)

	entries, err := s.Stream(DefaultStream)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	require.Len(t, entries[0].Values, 2)
	assert.Equal(t, "data", entries[0].Values[0])
	assert.Contains(t, entries[0].Values[1], `"message":"hello"`)
}

func TestCompressedPayloadRoundTrip(t *testing.T) {
	s := miniredis.RunT(t)
	c, err := codec.New(compression.Zstd)
	require.NoError(t, err)
	q := New(testutil.RedisPool(s), Config{Stream: "compressed", Codec: c})
	defer q.Close()
	ctx := context.Background()

	_, err = q.Append(ctx, testutil.Record("squeezed"))
	require.NoError(t, err)

	// A reader configured without compression still decodes framed payloads.
	plain := New(testutil.RedisPool(s), Config{Stream: "compressed"})
	defer plain.Close()
	msgs, err := plain.Read(ctx, "g", "c", 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, msgs[0].DecodeErr)
	assert.Equal(t, "squeezed", msgs[0].Record.Message)
}

func TestUndecodableEntryIsSurfaced(t *testing.T) {
	s := miniredis.RunT(t)
	q := New(testutil.RedisPool(s), Config{})
	defer q.Close()
	ctx := context.Background()

	_, err := s.XAdd(DefaultStream, "*", []string{"data", "not json"})
	require.NoError(t, err)
	_, err = s.XAdd(DefaultStream, "*", []string{"other", "x"})
	require.NoError(t, err)

	msgs, err := q.Read(ctx, "g", "c", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Error(t, msgs[0].DecodeErr)
	assert.Equal(t, []byte("not json"), msgs[0].Raw)
	assert.Error(t, msgs[1].DecodeErr)

	require.NoError(t, q.Ack(ctx, "g", queue.IDs(msgs)...))
}

func TestExistingGroupIsReused(t *testing.T) {
	s := miniredis.RunT(t)
	ctx := context.Background()

	first := New(testutil.RedisPool(s), Config{})
	_, err := first.Append(ctx, testutil.Record("one"))
	require.NoError(t, err)
	msgs, err := first.Read(ctx, "log-processors", "c", 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, first.Ack(ctx, "log-processors", msgs[0].ID))
	first.Close()

	// A second process sees BUSYGROUP and continues from the group's cursor.
	second := New(testutil.RedisPool(s), Config{})
	defer second.Close()
	msgs, err = second.Read(ctx, "log-processors", "c", 1, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestStatsOnMissingStream(t *testing.T) {
	s := miniredis.RunT(t)
	q := New(testutil.RedisPool(s), Config{Stream: "absent"})
	defer q.Close()

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{}, stats)
	assert.NoError(t, q.Ping(context.Background()))
}

func TestReadRecreatesLostGroup(t *testing.T) {
	s := miniredis.RunT(t)
	q := New(testutil.RedisPool(s), Config{})
	defer q.Close()
	ctx := context.Background()

	_, err := q.Append(ctx, testutil.Record("before"))
	require.NoError(t, err)
	msgs, err := q.Read(ctx, "g", "c", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	s.FlushAll()
	_, err = q.Append(ctx, testutil.Record("after"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		msgs, err = q.Read(ctx, "g", "c", 10, 0)
		require.NoError(t, err, "read %d", i)
		if len(msgs) > 0 {
			break
		}
	}
	require.Len(t, msgs, 1)
	assert.Equal(t, "after", msgs[0].Record.Message)
	require.NoError(t, q.Ack(ctx, "g", msgs[0].ID))

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Groups)
	assert.Equal(t, int64(0), st.Pending)
}

package jetstream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/ajitpratap0/logpipe/pkg/queue"
	"github.com/ajitpratap0/logpipe/pkg/queue/queuetest"
	"github.com/ajitpratap0/logpipe/pkg/testutil"
)

// natsURL returns the server used by integration tests, skipping when none
// is configured.
func natsURL(t *testing.T) string {
	return testutil.ServiceURL(t, "LOGPIPE_TEST_NATS_URL")
}

func TestDurableName(t *testing.T) {
	assert.Equal(t, "log-processors", durableName("log-processors"))
	assert.Equal(t, "a_b_c_", durableName("a.b*c>"))
}

func TestJetStreamConformance(t *testing.T) {
	url := natsURL(t)
	n := 0
	suite.Run(t, &queuetest.Suite{
		New: func(visibility time.Duration) queue.Queue {
			n++
			nc, err := nats.Connect(url)
			require.NoError(t, err)
			stream := fmt.Sprintf("logpipe_test_%d_%d", time.Now().UnixNano(), n)
			q, err := New(context.Background(), nc, Config{
				Stream:            stream,
				VisibilityTimeout: visibility,
				MaxAge:            time.Minute,
			})
			require.NoError(t, err)
			return q
		},
	})
}

func TestIDsAreStreamSequences(t *testing.T) {
	url := natsURL(t)
	ctx := context.Background()
	q, err := Connect(ctx, url, Config{Stream: fmt.Sprintf("logpipe_seq_%d", time.Now().UnixNano())})
	require.NoError(t, err)
	defer q.Close()
	defer q.js.DeleteStream(ctx, q.cfg.Stream)

	first, err := q.Append(ctx, testutil.Record("a"))
	require.NoError(t, err)
	second, err := q.Append(ctx, testutil.Record("b"))
	require.NoError(t, err)
	assert.Equal(t, "1", first)
	assert.Equal(t, "2", second)
}

func TestLeasesExpireAfterAckWait(t *testing.T) {
	l := newLeases(time.Minute)
	start := time.Now()

	l.put("1", nil, start)
	l.put("2", nil, start.Add(30*time.Second))
	assert.Equal(t, 0, l.prune(start.Add(59*time.Second)))

	assert.Equal(t, 1, l.prune(start.Add(time.Minute)))
	assert.Len(t, l.entries, 1)
	assert.Empty(t, l.take([]string{"1"}), "expired lease is gone")
	assert.Len(t, l.take([]string{"2", "3"}), 1)
	assert.Empty(t, l.entries)

	// A redelivery replaces the earlier lease for the same sequence.
	l.put("4", nil, start)
	l.put("4", nil, start.Add(2*time.Minute))
	assert.Equal(t, 0, l.prune(start.Add(90*time.Second)))
	assert.Len(t, l.take([]string{"4"}), 1)
}

package gateway

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/logpipe/pkg/errors"
	"github.com/ajitpratap0/logpipe/pkg/models"
	"github.com/ajitpratap0/logpipe/pkg/parser"
	"github.com/ajitpratap0/logpipe/pkg/queue"
	queuemem "github.com/ajitpratap0/logpipe/pkg/queue/memory"
	"github.com/ajitpratap0/logpipe/pkg/testutil"
)

// downQueue refuses every append.
type downQueue struct {
	*queuemem.Queue
}

func (downQueue) Append(context.Context, models.Record) (string, error) {
	return "", queue.AppendFailed(fmt.Errorf("dial tcp: connection refused"))
}

func (downQueue) Stats(context.Context) (queue.Stats, error) {
	return queue.Stats{}, fmt.Errorf("dial tcp: connection refused")
}

func newGateway(t *testing.T, q queue.Queue) *Gateway {
	t.Helper()
	reg := parser.NewRegistry(parser.WithClock(parser.FixedClock(testutil.FixedTime)))
	return New(reg, q, testutil.TestLogger(t))
}

func readAll(t *testing.T, q queue.Queue) []queue.Message {
	t.Helper()
	msgs, err := q.Read(context.Background(), "test", "reader", 100, 0)
	require.NoError(t, err)
	return msgs
}

func TestSubmitEnqueuesCanonicalRecord(t *testing.T) {
	q := queuemem.New()
	gw := newGateway(t, q)

	ack, err := gw.Submit(context.Background(), models.Submission{
		Timestamp:   "2025-11-11T16:00:00+02:00",
		Level:       "warning",
		Source:      " web-01 ",
		Application: "checkout",
		Message:     "slow response",
		Metadata:    models.MetadataOf("latency_ms", 812),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, ack.Status)
	assert.NotEmpty(t, ack.MessageID)
	assert.Equal(t, int64(1), gw.MessagesSent())

	msgs := readAll(t, q)
	require.Len(t, msgs, 1)
	rec := msgs[0].Record
	assert.Equal(t, ack.MessageID, msgs[0].ID)
	assert.Equal(t, models.LevelWarn, rec.Level)
	assert.Equal(t, "web-01", rec.Source)
	assert.Equal(t, models.FormatCanonical, rec.DetectedFormat)
	assert.Equal(t, time.Date(2025, 11, 11, 14, 0, 0, 0, time.UTC), rec.Timestamp)
}

func TestSubmitRejectsInvalidSubmission(t *testing.T) {
	q := queuemem.New()
	gw := newGateway(t, q)

	_, err := gw.Submit(context.Background(), models.Submission{Timestamp: "2025-11-11T16:00:00Z", Message: "  "})
	assert.True(t, errors.IsKind(err, errors.KindMalformedField))

	_, err = gw.Submit(context.Background(), models.Submission{Timestamp: "yesterday", Message: "x"})
	assert.True(t, errors.IsKind(err, errors.KindMalformedField))

	assert.Empty(t, readAll(t, q))
	assert.Equal(t, int64(0), gw.MessagesSent())
}

func TestSubmitRawDetectsFormat(t *testing.T) {
	q := queuemem.New()
	gw := newGateway(t, q)

	ack, err := gw.SubmitRaw(context.Background(), `{"level":"error","message":"db down","service":"api"}`)
	require.NoError(t, err)
	assert.Equal(t, models.FormatJSON, ack.DetectedFormat)

	msgs := readAll(t, q)
	require.Len(t, msgs, 1)
	assert.Equal(t, "db down", msgs[0].Record.Message)
	assert.Equal(t, models.LevelError, msgs[0].Record.Level)
	assert.Equal(t, testutil.FixedTime, msgs[0].Record.Timestamp)
}

func TestSubmitRawParseFailureEnqueuesNothing(t *testing.T) {
	q := queuemem.New()
	gw := newGateway(t, q)

	_, err := gw.SubmitRaw(context.Background(), "just some words")
	assert.True(t, errors.IsKind(err, errors.KindNoFormatMatched))
	assert.Empty(t, readAll(t, q))
}

func TestBatchItemsAreIndependent(t *testing.T) {
	q := queuemem.New()
	gw := newGateway(t, q)

	results := gw.SubmitRawBatch(context.Background(), []string{
		`{"message":"first"}`,
		"not a log line",
		`<34>1 2025-11-11T16:00:00.000Z server1 myapp 1234 - - third`,
	})
	require.Len(t, results, 3)
	assert.Equal(t, StatusQueued, results[0].Status)
	assert.Equal(t, "error", results[1].Status)
	assert.Equal(t, errors.KindNoFormatMatched, results[1].Kind)
	assert.Error(t, results[1].Err())
	assert.Equal(t, StatusQueued, results[2].Status)
	assert.Equal(t, models.FormatSyslogRFC5424, results[2].DetectedFormat)

	assert.Len(t, readAll(t, q), 2)
}

func TestAppendFailureIsTyped(t *testing.T) {
	gw := newGateway(t, downQueue{queuemem.New()})

	_, err := gw.Submit(context.Background(), models.Submission{Timestamp: "2025-11-11T16:00:00Z", Message: "x"})
	assert.True(t, errors.IsKind(err, errors.KindAppendFailed))

	results := gw.SubmitBatch(context.Background(), []models.Submission{{Timestamp: "2025-11-11T16:00:00Z", Message: "y"}})
	assert.Equal(t, errors.KindAppendFailed, results[0].Kind)
	assert.Equal(t, int64(0), gw.MessagesSent())
}

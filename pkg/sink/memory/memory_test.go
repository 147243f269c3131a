package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/logpipe/pkg/errors"
	"github.com/ajitpratap0/logpipe/pkg/models"
	"github.com/ajitpratap0/logpipe/pkg/sink"
	"github.com/ajitpratap0/logpipe/pkg/testutil"
)

func TestInsertAssignsSequentialIDs(t *testing.T) {
	s := New()
	ctx := context.Background()

	ids, err := s.Insert(ctx, testutil.Records("a", 2))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)

	ids, err = s.Insert(ctx, testutil.Records("b", 1))
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids)

	stored := s.Records()
	require.Len(t, stored, 3)
	assert.Equal(t, "b-0", stored[2].Record.Message)
	assert.Equal(t, 2, s.Calls())
}

func TestRejectedBatchStoresNothing(t *testing.T) {
	s := New()
	s.Reject(func(rec models.Record) error {
		if rec.Message == "a-1" {
			return fmt.Errorf("bad record")
		}
		return nil
	})

	_, err := s.Insert(context.Background(), testutil.Records("a", 3))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindSchemaViolation))
	assert.False(t, errors.IsRetryable(err))
	assert.Zero(t, s.Len())
}

func TestFailNextIsConsumedInOrder(t *testing.T) {
	s := New()
	s.FailNext(sink.Transient(fmt.Errorf("down"), "insert failed"), nil)
	ctx := context.Background()

	_, err := s.Insert(ctx, testutil.Records("a", 1))
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))

	_, err = s.Insert(ctx, testutil.Records("a", 1))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())
}

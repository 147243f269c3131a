// Package sink defines the bulk-insert contract the worker pool persists
// batches through.
package sink

import (
	"context"

	"github.com/ajitpratap0/logpipe/pkg/errors"
	"github.com/ajitpratap0/logpipe/pkg/models"
)

// Sink persists batches of records.
type Sink interface {
	// Insert stores recs atomically and returns one storage id per record,
	// in input order. Failures are TransientUnavailable (retry) or
	// SchemaViolation (the batch contains a record the store rejects).
	Insert(ctx context.Context, recs []models.Record) ([]int64, error)

	// Close releases the underlying connection.
	Close() error
}

// Pinger is implemented by sinks that can check connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Transient wraps err as a retryable persistence failure.
func Transient(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.WrapKind(err, errors.KindTransientUnavailable, message)
}

// Schema wraps err as a non-retryable persistence failure.
func Schema(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.WrapKind(err, errors.KindSchemaViolation, message)
}

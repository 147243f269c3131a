// Package queue defines the durable queue that decouples ingestion from
// persistence, and the contract every backend implements.
//
// Delivery is at-least-once per consumer group. Each message is handed to
// exactly one consumer of a group per delivery attempt; a message that is not
// acknowledged within the visibility timeout becomes deliverable again to any
// consumer in the same group, with its DeliveryCount incremented.
//
// The queue is logically unbounded. Depth is observable through Stats and is
// never enforced.
package queue

import (
	"context"
	"time"

	"github.com/ajitpratap0/logpipe/pkg/errors"
	"github.com/ajitpratap0/logpipe/pkg/models"
)

// DefaultVisibilityTimeout is used when a backend is configured without one.
const DefaultVisibilityTimeout = 30 * time.Second

// Message is one delivery of a queued record.
type Message struct {
	ID            string
	Record        models.Record
	DeliveryCount int

	// Raw holds the payload as stored, and DecodeErr is set when it could not
	// be turned back into a Record. Such messages carry a zero Record.
	Raw       []byte
	DecodeErr error
}

// Stats is a point-in-time view of the queue for observability.
type Stats struct {
	// Length counts entries retained by the backend.
	Length int64 `json:"length"`
	// Pending counts delivered but unacknowledged entries across groups.
	Pending int64 `json:"pending"`
	// Groups is the number of consumer groups.
	Groups int `json:"groups"`
	// Consumers is the number of distinct consumers across groups.
	Consumers int `json:"consumers"`
}

// Queue is the durable buffer between the gateway and the worker pool.
type Queue interface {
	// Append stores rec and returns its queue-assigned id. It never waits on
	// consumers. Failures are AppendFailed.
	Append(ctx context.Context, rec models.Record) (string, error)

	// Read delivers up to max messages to consumer within group, waiting up
	// to block for at least one. The group is created on first use and
	// starts at the beginning of the stream. An empty poll returns nil, nil.
	Read(ctx context.Context, group, consumer string, max int, block time.Duration) ([]Message, error)

	// Ack removes ids from the group's pending set. Unknown or already
	// acknowledged ids are ignored. Failures are AckFailed.
	Ack(ctx context.Context, group string, ids ...string) error

	// Stats reports depth and membership.
	Stats(ctx context.Context) (Stats, error)

	// Close releases backend resources.
	Close() error
}

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New(errors.ErrorTypeQueue, "queue closed")

// AppendFailed wraps a backend error as an AppendFailed queue error.
func AppendFailed(err error) error {
	if err == nil {
		return nil
	}
	return errors.WrapKind(err, errors.KindAppendFailed, "append failed")
}

// AckFailed wraps a backend error as an AckFailed queue error.
func AckFailed(err error) error {
	if err == nil {
		return nil
	}
	return errors.WrapKind(err, errors.KindAckFailed, "ack failed")
}

// ReadFailed wraps a backend read error.
func ReadFailed(err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, errors.ErrorTypeQueue, "read failed")
}

// IDs returns the ids of msgs in order.
func IDs(msgs []Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

// Package gateway is the ingestion entry point: it normalizes submissions
// through the parser registry and appends them to the durable queue. The
// HTTP surface in server.go is a thin layer over Gateway.
package gateway

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ajitpratap0/logpipe/pkg/errors"
	"github.com/ajitpratap0/logpipe/pkg/logger"
	"github.com/ajitpratap0/logpipe/pkg/metrics"
	"github.com/ajitpratap0/logpipe/pkg/models"
	"github.com/ajitpratap0/logpipe/pkg/observability"
	"github.com/ajitpratap0/logpipe/pkg/parser"
	"github.com/ajitpratap0/logpipe/pkg/queue"
)

// StatusQueued is the status of an accepted submission.
const StatusQueued = "queued"

// Ack confirms that a record is durably queued.
type Ack struct {
	MessageID      string        `json:"message_id"`
	Status         string        `json:"status"`
	DetectedFormat models.Format `json:"detected_format,omitempty"`
}

// Result is the outcome of one item of a batch submission.
type Result struct {
	Index          int           `json:"index"`
	Status         string        `json:"status"`
	MessageID      string        `json:"message_id,omitempty"`
	DetectedFormat models.Format `json:"detected_format,omitempty"`
	Error          string        `json:"error,omitempty"`
	Kind           errors.Kind   `json:"kind,omitempty"`

	err error
}

// Err returns the item's failure, if any.
func (r Result) Err() error { return r.err }

// Gateway normalizes and enqueues submissions.
type Gateway struct {
	registry *parser.Registry
	queue    queue.Queue
	logger   *zap.Logger
	sent     int64
}

// New creates a gateway appending to q.
func New(registry *parser.Registry, q queue.Queue, l *zap.Logger) *Gateway {
	if l == nil {
		l = zap.NewNop()
	}
	return &Gateway{
		registry: registry,
		queue:    q,
		logger:   l.With(zap.String("component", "gateway")),
	}
}

// Registry returns the parser registry submissions are parsed with.
func (g *Gateway) Registry() *parser.Registry { return g.registry }

// MessagesSent returns the number of records appended since start.
func (g *Gateway) MessagesSent() int64 { return atomic.LoadInt64(&g.sent) }

// Submit validates an already-structured submission and enqueues it.
// Validation failures are returned as MalformedField errors and nothing is
// enqueued.
func (g *Gateway) Submit(ctx context.Context, sub models.Submission) (Ack, error) {
	rec, err := sub.ToRecord()
	if err != nil {
		metrics.Ingested.WithLabelValues(string(models.FormatCanonical), metrics.StatusRejected).Inc()
		return Ack{}, err
	}
	return g.append(ctx, rec)
}

// SubmitRaw detects the format of raw, parses it and enqueues the record.
// A parse failure is returned typed and nothing is enqueued.
func (g *Gateway) SubmitRaw(ctx context.Context, raw string) (Ack, error) {
	rec, err := g.registry.DetectAndParse(raw)
	if err != nil {
		kind := errors.KindOf(err)
		metrics.ParseFailures.WithLabelValues(string(kind)).Inc()
		metrics.Ingested.WithLabelValues("unknown", metrics.StatusRejected).Inc()
		logger.FromContext(ctx, g.logger).Debug("raw line rejected",
			zap.String("kind", string(kind)), zap.Error(err))
		return Ack{}, err
	}
	return g.append(ctx, rec)
}

// SubmitBatch submits every item independently.
func (g *Gateway) SubmitBatch(ctx context.Context, subs []models.Submission) []Result {
	results := make([]Result, len(subs))
	for i, sub := range subs {
		ack, err := g.Submit(ctx, sub)
		results[i] = result(i, ack, err)
	}
	return results
}

// SubmitRawBatch submits every line independently.
func (g *Gateway) SubmitRawBatch(ctx context.Context, lines []string) []Result {
	results := make([]Result, len(lines))
	for i, line := range lines {
		ack, err := g.SubmitRaw(ctx, line)
		results[i] = result(i, ack, err)
	}
	return results
}

// QueueStats reports queue depth and records it as a gauge.
func (g *Gateway) QueueStats(ctx context.Context) (queue.Stats, error) {
	s, err := g.queue.Stats(ctx)
	if err != nil {
		return queue.Stats{}, err
	}
	metrics.QueueDepth.Set(float64(s.Length))
	return s, nil
}

func (g *Gateway) append(ctx context.Context, rec models.Record) (Ack, error) {
	ctx, span := observability.StartSpan(ctx, "gateway.append")
	defer span.End()
	span.SetAttribute("log.format", string(rec.DetectedFormat))
	span.SetAttribute("log.level", string(rec.Level))

	id, err := g.queue.Append(ctx, rec)
	if err != nil {
		span.RecordError(err)
		metrics.Ingested.WithLabelValues(string(rec.DetectedFormat), metrics.StatusFailed).Inc()
		logger.FromContext(ctx, g.logger).Warn("queue append failed", zap.Error(err))
		if !errors.IsKind(err, errors.KindAppendFailed) {
			err = queue.AppendFailed(err)
		}
		return Ack{}, err
	}
	span.SetAttribute("queue.message_id", id)
	atomic.AddInt64(&g.sent, 1)
	metrics.Ingested.WithLabelValues(string(rec.DetectedFormat), metrics.StatusQueued).Inc()
	return Ack{MessageID: id, Status: StatusQueued, DetectedFormat: rec.DetectedFormat}, nil
}

func result(i int, ack Ack, err error) Result {
	if err != nil {
		return Result{Index: i, Status: "error", Error: err.Error(), Kind: errors.KindOf(err), err: err}
	}
	return Result{Index: i, Status: ack.Status, MessageID: ack.MessageID, DetectedFormat: ack.DetectedFormat}
}

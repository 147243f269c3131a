// Package shipper tails a log file and forwards its lines to the gateway's
// raw batch endpoint.
//
// Lines are shipped at least once. The read offset is saved to a position
// file only after the gateway has accepted everything before it, so a
// restart resumes at the first line not yet known to be queued. A batch the
// gateway could not queue is kept and sent again on the next flush.
package shipper

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/ajitpratap0/logpipe/pkg/clients"
	"github.com/ajitpratap0/logpipe/pkg/codec"
	"github.com/ajitpratap0/logpipe/pkg/errors"
	"github.com/ajitpratap0/logpipe/pkg/observability"
)

// RawBatchPath is the gateway endpoint batches are posted to.
const RawBatchPath = "/logs/raw/batch"

// Config configures a Shipper.
type Config struct {
	// Path is the file to tail.
	Path string
	// GatewayURL is the gateway's base URL, e.g. http://localhost:5000.
	GatewayURL string
	// PositionFile defaults to Path + ".pos".
	PositionFile    string
	BatchSize       int
	FlushInterval   time.Duration
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the defaults used by the ship command.
func DefaultConfig() Config {
	return Config{
		GatewayURL:      "http://localhost:5000",
		BatchSize:       50,
		FlushInterval:   5 * time.Second,
		PollInterval:    100 * time.Millisecond,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Path == "":
		return errors.New(errors.ErrorTypeConfig, "shipper path is required")
	case c.GatewayURL == "":
		return errors.New(errors.ErrorTypeConfig, "gateway url is required")
	case c.BatchSize <= 0:
		return errors.New(errors.ErrorTypeConfig, "batch size must be positive")
	case c.FlushInterval <= 0:
		return errors.New(errors.ErrorTypeConfig, "flush interval must be positive")
	case c.PollInterval <= 0:
		return errors.New(errors.ErrorTypeConfig, "poll interval must be positive")
	}
	return nil
}

// Stats are cumulative shipper counters.
type Stats struct {
	LinesRead     int64 `json:"lines_read"`
	LinesAccepted int64 `json:"lines_accepted"`
	LinesRejected int64 `json:"lines_rejected"`
	Batches       int64 `json:"batches"`
	FailedBatches int64 `json:"failed_batches"`
	Position      int64 `json:"position"`
}

// Poster sends a request body to a URL. *clients.HTTPClient satisfies it.
type Poster interface {
	Post(ctx context.Context, url string, body []byte, headers http.Header) (*http.Response, error)
}

var _ Poster = (*clients.HTTPClient)(nil)

// batchResponse mirrors the gateway's batch reply.
type batchResponse struct {
	Status  string `json:"status"`
	Results []struct {
		Index  int    `json:"index"`
		Status string `json:"status"`
		Kind   string `json:"kind"`
	} `json:"results"`
}

// outcome is what a delivered batch settled.
type outcome struct {
	// settled counts leading lines the gateway queued or permanently
	// rejected.
	settled  int
	accepted int
	rejected int
}

// Shipper tails one file.
type Shipper struct {
	cfg    Config
	client Poster
	logger *zap.Logger
	url    string

	pending   []line
	lastFlush time.Time

	linesRead     int64
	linesAccepted int64
	linesRejected int64
	batches       int64
	failedBatches int64
	position      int64
}

// New creates a shipper posting through client.
func New(cfg Config, client Poster, l *zap.Logger) (*Shipper, error) {
	if cfg.PositionFile == "" {
		cfg.PositionFile = cfg.Path + ".pos"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if l == nil {
		l = zap.NewNop()
	}
	return &Shipper{
		cfg:    cfg,
		client: client,
		logger: l.With(zap.String("component", "shipper"), zap.String("path", cfg.Path)),
		url:    strings.TrimRight(cfg.GatewayURL, "/") + RawBatchPath,
	}, nil
}

// Stats returns cumulative counters.
func (s *Shipper) Stats() Stats {
	return Stats{
		LinesRead:     atomic.LoadInt64(&s.linesRead),
		LinesAccepted: atomic.LoadInt64(&s.linesAccepted),
		LinesRejected: atomic.LoadInt64(&s.linesRejected),
		Batches:       atomic.LoadInt64(&s.batches),
		FailedBatches: atomic.LoadInt64(&s.failedBatches),
		Position:      atomic.LoadInt64(&s.position),
	}
}

// Run tails the file from the saved position until ctx is done, then makes
// a final flush bounded by ShutdownTimeout.
func (s *Shipper) Run(ctx context.Context) error {
	pos, err := readPosition(s.cfg.PositionFile)
	if err != nil {
		return err
	}
	t, err := openTailer(s.cfg.Path, pos)
	if err != nil {
		return err
	}
	defer t.Close()
	atomic.StoreInt64(&s.position, t.offset)

	s.logger.Info("shipper started",
		zap.String("gateway", s.url),
		zap.Int64("position", t.offset),
		zap.Int("batch_size", s.cfg.BatchSize),
		zap.Duration("flush_interval", s.cfg.FlushInterval))

	s.lastFlush = time.Now()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if room := s.cfg.BatchSize - len(s.pending); room > 0 {
			lines, err := t.next(room)
			if err != nil {
				s.logger.Warn("tail read failed", zap.Error(err))
			}
			s.pending = append(s.pending, lines...)
			atomic.AddInt64(&s.linesRead, int64(len(lines)))
		}

		full := len(s.pending) >= s.cfg.BatchSize
		due := len(s.pending) > 0 && time.Since(s.lastFlush) >= s.cfg.FlushInterval
		if full || due {
			s.flush(ctx)
			if full && len(s.pending) == 0 && ctx.Err() == nil {
				continue
			}
		}

		select {
		case <-ctx.Done():
			return s.shutdown(ctx)
		case <-ticker.C:
		}
	}
}

func (s *Shipper) shutdown(ctx context.Context) error {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()

	if len(s.pending) > 0 {
		s.flush(flushCtx)
	}
	stats := s.Stats()
	s.logger.Info("shipper stopped",
		zap.Int64("lines_read", stats.LinesRead),
		zap.Int64("lines_accepted", stats.LinesAccepted),
		zap.Int64("lines_rejected", stats.LinesRejected),
		zap.Int64("batches", stats.Batches),
		zap.Int("unsent", len(s.pending)),
		zap.Int64("position", stats.Position))
	return nil
}

// flush posts the pending batch. Lines the gateway answered for are
// dropped from the batch and the position advances past them; the rest stay
// pending.
func (s *Shipper) flush(ctx context.Context) {
	s.lastFlush = time.Now()
	batch := s.pending

	ctx, span := observability.StartSpan(ctx, "shipper.flush")
	defer span.End()
	span.SetAttribute("batch.size", len(batch))

	out, err := s.send(ctx, batch)
	if err != nil {
		span.RecordError(err)
		atomic.AddInt64(&s.failedBatches, 1)
		s.logger.Warn("batch not delivered, will retry",
			zap.Int("lines", len(batch)),
			zap.Error(err))
		return
	}

	atomic.AddInt64(&s.batches, 1)
	atomic.AddInt64(&s.linesAccepted, int64(out.accepted))
	atomic.AddInt64(&s.linesRejected, int64(out.rejected))

	if out.settled > 0 {
		end := batch[out.settled-1].end
		if err := writePosition(s.cfg.PositionFile, end); err != nil {
			s.logger.Error("failed to save position", zap.Int64("position", end), zap.Error(err))
		} else {
			atomic.StoreInt64(&s.position, end)
		}
	}
	s.pending = append(s.pending[:0], batch[out.settled:]...)

	s.logger.Debug("batch shipped",
		zap.Int("accepted", out.accepted),
		zap.Int("rejected", out.rejected),
		zap.Int("retained", len(s.pending)))
}

// send posts batch. Lines from the first queue failure onward are not
// settled and are sent again later, even those the gateway accepted.
func (s *Shipper) send(ctx context.Context, batch []line) (outcome, error) {
	lines := make([]string, len(batch))
	for i, l := range batch {
		lines[i] = l.text
	}
	payload, err := codec.Marshal(map[string][]string{"lines": lines})
	if err != nil {
		return outcome{}, errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode batch")
	}
	body, err := gzipBytes(payload)
	if err != nil {
		return outcome{}, err
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Content-Encoding", "gzip")
	observability.InjectHeaders(ctx, headers)

	httpResp, err := s.client.Post(ctx, s.url, body, headers)
	if err != nil {
		return outcome{}, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return outcome{}, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read gateway response")
	}
	if httpResp.StatusCode/100 != 2 {
		return outcome{}, clients.StatusError(httpResp).WithDetail("body", truncate(string(data), 200))
	}

	var resp batchResponse
	if err := codec.Unmarshal(data, &resp); err != nil {
		return outcome{}, errors.Wrap(err, errors.ErrorTypeConnection, "invalid gateway response")
	}

	out := outcome{settled: len(batch)}
	for _, r := range resp.Results {
		if r.Kind == string(errors.KindAppendFailed) && r.Index < out.settled {
			out.settled = r.Index
		}
	}
	for _, r := range resp.Results {
		if r.Index >= out.settled {
			continue
		}
		if r.Status == "error" {
			out.rejected++
		} else {
			out.accepted++
		}
	}
	return out, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to compress batch")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to compress batch")
	}
	return buf.Bytes(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Package postgres persists records into a PostgreSQL table through a pgx
// connection pool. Each batch is one transaction; ids come back from
// INSERT ... RETURNING id in input order.
package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ajitpratap0/logpipe/pkg/codec"
	"github.com/ajitpratap0/logpipe/pkg/errors"
	"github.com/ajitpratap0/logpipe/pkg/models"
	"github.com/ajitpratap0/logpipe/pkg/sink"
)

// DefaultTable is the table written when none is configured.
const DefaultTable = "logs"

// Config configures the sink.
type Config struct {
	URL      string
	Table    string
	MaxConns int32
	// Bootstrap creates the table and its indexes when missing.
	Bootstrap      bool
	ConnectTimeout time.Duration
	Logger         *zap.Logger
}

// Sink is the PostgreSQL sink.
type Sink struct {
	pool   *pgxpool.Pool
	table  string
	insert string
	logger *zap.Logger
}

var _ sink.Sink = (*Sink)(nil)

// Open connects, verifies the connection and optionally bootstraps the table.
func Open(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.URL == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "database url is required")
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse PostgreSQL connection string")
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create PostgreSQL connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "PostgreSQL ping failed")
	}

	s := &Sink{
		pool:   pool,
		table:  quoteTable(cfg.Table),
		logger: cfg.Logger.With(zap.String("component", "postgres_sink"), zap.String("table", cfg.Table)),
	}
	s.insert = insertStatement(s.table)

	if cfg.Bootstrap {
		if _, err := pool.Exec(ctx, bootstrapStatement(s.table, cfg.Table)); err != nil {
			pool.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to bootstrap table")
		}
		s.logger.Info("table bootstrapped")
	}

	s.logger.Info("PostgreSQL sink ready", zap.Int32("max_connections", poolCfg.MaxConns))
	return s, nil
}

// quoteTable quotes a possibly schema-qualified table name.
func quoteTable(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

func insertStatement(table string) string {
	return fmt.Sprintf(
		"INSERT INTO %s (timestamp, level, source, application, message, metadata) "+
			"VALUES ($1, $2, $3, $4, $5, $6::jsonb) RETURNING id", table)
}

func bootstrapStatement(table, raw string) string {
	index := pgx.Identifier{strings.ReplaceAll(raw, ".", "_") + "_timestamp_idx"}.Sanitize()
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	timestamp TIMESTAMPTZ NOT NULL,
	level VARCHAR(16) NOT NULL,
	source TEXT NOT NULL,
	application TEXT NOT NULL,
	message TEXT NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS %s ON %s (timestamp DESC);`, table, index, table)
}

// Insert implements sink.Sink.
func (s *Sink) Insert(ctx context.Context, recs []models.Record) ([]int64, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	for _, rec := range recs {
		meta := []byte("{}")
		var err error
		if rec.Metadata != nil {
			meta, err = codec.Marshal(rec.Metadata)
		}
		if err != nil {
			return nil, sink.Schema(err, "metadata is not encodable")
		}
		batch.Queue(s.insert, rec.Timestamp.UTC(), string(rec.Level), rec.Source, rec.Application, rec.Message, string(meta))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classify(err, "begin transaction")
	}
	defer tx.Rollback(context.Background())

	results := tx.SendBatch(ctx, batch)
	ids := make([]int64, len(recs))
	for i := range recs {
		if err := results.QueryRow().Scan(&ids[i]); err != nil {
			results.Close()
			return nil, classify(err, "insert record").WithDetail("index", i)
		}
	}
	if err := results.Close(); err != nil {
		return nil, classify(err, "finish batch")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classify(err, "commit")
	}
	return ids, nil
}

// classify maps a driver error onto the persistence kinds. Data exceptions
// (class 22) and integrity violations (class 23) are the record's fault and
// never succeed on retry.
func classify(err error, op string) *errors.Error {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23":
			return errors.WrapKind(err, errors.KindSchemaViolation, op).
				WithDetail("sqlstate", pgErr.Code)
		}
		return errors.WrapKind(err, errors.KindTransientUnavailable, op).
			WithDetail("sqlstate", pgErr.Code)
	}
	return errors.WrapKind(err, errors.KindTransientUnavailable, op)
}

// Ping implements sink.Pinger.
func (s *Sink) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements sink.Sink.
func (s *Sink) Close() error {
	s.pool.Close()
	return nil
}

// Package mongo persists records into a MongoDB collection.
//
// Storage ids are int64 values reserved from a counter document with a
// single $inc per batch, so every record keeps a numeric id like the
// relational sink. Each record's id is also its _id.
package mongo

import (
	"context"
	stderrors "errors"

	gojson "github.com/goccy/go-json"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ajitpratap0/logpipe/pkg/errors"
	"github.com/ajitpratap0/logpipe/pkg/models"
	"github.com/ajitpratap0/logpipe/pkg/sink"
)

const (
	// DefaultDatabase and DefaultCollection are used when unset.
	DefaultDatabase   = "logpipe"
	DefaultCollection = "logs"

	countersCollection = "counters"
)

// documentValidationFailure is the server code for a $jsonSchema rejection.
const documentValidationFailure = 121

// Config configures the sink.
type Config struct {
	URI        string
	Database   string
	Collection string
	Logger     *zap.Logger
}

// Sink is the MongoDB sink.
type Sink struct {
	client   *mongo.Client
	coll     *mongo.Collection
	counters *mongo.Collection
	logger   *zap.Logger
}

var _ sink.Sink = (*Sink)(nil)

// Open connects to cfg.URI and pings the primary.
func Open(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.URI == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "mongo uri is required")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to MongoDB")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "MongoDB ping failed")
	}
	return New(client, cfg), nil
}

// New wraps an existing client.
func New(client *mongo.Client, cfg Config) *Sink {
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	db := client.Database(cfg.Database)
	return &Sink{
		client:   client,
		coll:     db.Collection(cfg.Collection),
		counters: db.Collection(countersCollection),
		logger: cfg.Logger.With(zap.String("component", "mongo_sink"),
			zap.String("collection", cfg.Database+"."+cfg.Collection)),
	}
}

// Insert implements sink.Sink.
func (s *Sink) Insert(ctx context.Context, recs []models.Record) ([]int64, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	last, err := s.reserve(ctx, len(recs))
	if err != nil {
		return nil, err
	}
	first := last - int64(len(recs)) + 1

	ids := make([]int64, len(recs))
	docs := make([]interface{}, len(recs))
	for i, rec := range recs {
		ids[i] = first + int64(i)
		docs[i] = document(ids[i], rec)
	}

	if _, err := s.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true)); err != nil {
		return nil, classify(err, "insert records")
	}
	return ids, nil
}

// reserve advances the collection's counter by n and returns the new value.
func (s *Sink) reserve(ctx context.Context, n int) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: s.coll.Name()}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "seq", Value: int64(n)}}}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, classify(err, "reserve ids")
	}
	return counter.Seq, nil
}

func document(id int64, rec models.Record) bson.D {
	return bson.D{
		{Key: "_id", Value: id},
		{Key: "timestamp", Value: rec.Timestamp.UTC()},
		{Key: "level", Value: string(rec.Level)},
		{Key: "source", Value: rec.Source},
		{Key: "application", Value: rec.Application},
		{Key: "message", Value: rec.Message},
		{Key: "metadata", Value: metadataDoc(rec.Metadata)},
		{Key: "detected_format", Value: string(rec.DetectedFormat)},
	}
}

// metadataDoc converts metadata into an ordered document.
func metadataDoc(m *models.Metadata) bson.D {
	doc := bson.D{}
	m.Range(func(k string, v interface{}) bool {
		doc = append(doc, bson.E{Key: k, Value: bsonValue(v)})
		return true
	})
	return doc
}

func bsonValue(v interface{}) interface{} {
	switch t := v.(type) {
	case gojson.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]interface{}:
		doc := bson.M{}
		for k, inner := range t {
			doc[k] = bsonValue(inner)
		}
		return doc
	case []interface{}:
		arr := make(bson.A, len(t))
		for i, inner := range t {
			arr[i] = bsonValue(inner)
		}
		return arr
	case *models.Metadata:
		return metadataDoc(t)
	default:
		return v
	}
}

// classify maps driver errors onto the persistence kinds. Duplicate keys and
// validator rejections are properties of the records themselves.
func classify(err error, op string) error {
	if mongo.IsDuplicateKeyError(err) {
		return errors.WrapKind(err, errors.KindSchemaViolation, op)
	}
	var bulk mongo.BulkWriteException
	if stderrors.As(err, &bulk) {
		for _, we := range bulk.WriteErrors {
			if we.Code == documentValidationFailure {
				return errors.WrapKind(err, errors.KindSchemaViolation, op)
			}
		}
	}
	var we mongo.WriteException
	if stderrors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == documentValidationFailure {
				return errors.WrapKind(err, errors.KindSchemaViolation, op)
			}
		}
	}
	return errors.WrapKind(err, errors.KindTransientUnavailable, op)
}

// Ping implements sink.Pinger.
func (s *Sink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close implements sink.Sink.
func (s *Sink) Close() error {
	return s.client.Disconnect(context.Background())
}

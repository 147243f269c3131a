package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(DefaultTracingConfig())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.NeverSample().Description(), Sampler(0).Description())
	assert.Equal(t, sdktrace.AlwaysSample().Description(), Sampler(1).Description())
	assert.Contains(t, Sampler(0.5).Description(), "TraceIDRatioBased")
}

func TestTraceBatchRecordsOutcome(t *testing.T) {
	rec := installRecorder(t)

	err := TraceBatch(context.Background(), "worker.flush", 3, func(context.Context) error {
		return errors.New("sink down")
	})
	require.Error(t, err)
	require.NoError(t, TraceBatch(context.Background(), "worker.flush", 2, func(context.Context) error { return nil }))

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "worker.flush", spans[0].Name())
	assert.Equal(t, "Error", spans[0].Status().Code.String())
	assert.Equal(t, "Ok", spans[1].Status().Code.String())

	var size int64
	for _, kv := range spans[1].Attributes() {
		if kv.Key == "batch.size" {
			size = kv.Value.AsInt64()
		}
	}
	assert.Equal(t, int64(2), size)
}

func TestTracingMiddlewareStartsServerSpan(t *testing.T) {
	rec := installRecorder(t)

	var sawSpan bool
	h := TracingMiddleware("logpipe", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawSpan = trace.SpanContextFromContext(r.Context()).IsValid()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/logs", nil))

	assert.True(t, sawSpan)
	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "POST /logs", spans[0].Name())
	assert.Equal(t, trace.SpanKindServer, spans[0].SpanKind())
}

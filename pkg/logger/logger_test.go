package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsInvalidLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestNewDefaults(t *testing.T) {
	l, err := New(Config{})
	require.NoError(t, err)
	assert.NotNil(t, l)
}

func TestFromContextAddsIdentifiers(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	base := zap.New(core)

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = context.WithValue(ctx, WorkerKey, "worker-0")

	FromContext(ctx, base).Info("flushed")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "worker-0", fields["worker"])
	assert.NotContains(t, fields, "consumer")
}

func TestGetInitializesOnce(t *testing.T) {
	require.NoError(t, Init(Config{Level: "warn"}))
	assert.Same(t, Get(), Get())
	assert.False(t, Get().Core().Enabled(zap.InfoLevel))
}

// Package testutil provides testing utilities for logpipe
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/logpipe/pkg/models"
)

// TestLogger creates a test logger that writes to the test output.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext creates a test context with a 30-second timeout.
// The caller must call the returned cancel function to avoid leaks.
func TestContext(_ *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// AssertEventually asserts that a condition becomes true within the specified timeout.
// It checks the condition every 10ms until it succeeds or the timeout expires.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// FixedTime is the timestamp given to fixture records.
var FixedTime = time.Date(2025, 11, 11, 16, 0, 0, 0, time.UTC)

// Record builds a valid canonical record carrying msg.
func Record(msg string) models.Record {
	return models.Record{
		Timestamp:      FixedTime,
		Level:          models.LevelInfo,
		Source:         "test-host",
		Application:    "test-app",
		Message:        msg,
		Metadata:       models.MetadataOf("fixture", true),
		DetectedFormat: models.FormatCanonical,
	}
}

// Records builds n fixture records named prefix-0 .. prefix-(n-1).
func Records(prefix string, n int) []models.Record {
	out := make([]models.Record, n)
	for i := range out {
		out[i] = Record(fmt.Sprintf("%s-%d", prefix, i))
	}
	return out
}

// Messages extracts the message text of each record.
func Messages(recs []models.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Message
	}
	return out
}

// Package errors provides examples of structured error handling in logpipe.
package errors_test

import (
	"fmt"
	"io"

	"github.com/ajitpratap0/logpipe/pkg/errors"
)

// Example demonstrates basic error creation and wrapping.
func Example() {
	err := errors.New(errors.ErrorTypeConnection, "failed to connect to redis")

	err = err.WithDetail("host", "localhost").
		WithDetail("port", 6379)

	fmt.Println(err.Error())

	// Output:
	// connection: failed to connect to redis
}

// ExampleWrap shows how to wrap existing errors with context.
func ExampleWrap() {
	originalErr := io.EOF

	err := errors.Wrap(originalErr, errors.ErrorTypeQueue, "failed to read stream").
		WithDetail("stream", "logs")

	if errors.IsType(err, errors.ErrorTypeQueue) {
		fmt.Println("This is a queue error")
	}

	fmt.Println(err)

	// Output:
	// This is a queue error
	// queue: failed to read stream: EOF
}

// ExampleNewKind shows that kinds select their category automatically.
func ExampleNewKind() {
	err := errors.NewKind(errors.KindMalformedField, "message field is missing")

	fmt.Println(err)
	fmt.Println(err.Type)
	fmt.Println(errors.IsType(err, errors.ErrorTypeParse))

	// Output:
	// malformed_field: message field is missing
	// parse
	// true
}

// ExampleIsRetryable shows how to check if an error is retryable.
func ExampleIsRetryable() {
	transient := errors.NewKind(errors.KindTransientUnavailable, "database unavailable")
	poison := errors.NewKind(errors.KindSchemaViolation, "level too long")
	timeout := errors.New(errors.ErrorTypeTimeout, "deadline exceeded")

	fmt.Println(errors.IsRetryable(transient))
	fmt.Println(errors.IsRetryable(poison))
	fmt.Println(errors.IsRetryable(timeout))
	fmt.Println(errors.IsRetryable(io.EOF))

	// Output:
	// true
	// false
	// true
	// false
}

// ExampleIsKind demonstrates that kinds survive wrapping.
func ExampleIsKind() {
	cause := errors.NewKind(errors.KindSchemaViolation, "null value in column message")
	err := errors.Wrap(cause, errors.ErrorTypeInternal, "flush failed")

	fmt.Println(errors.IsKind(err, errors.KindSchemaViolation))
	fmt.Println(errors.IsKind(err, errors.KindTransientUnavailable))
	fmt.Println(errors.KindOf(err))
	fmt.Println(err)

	// Output:
	// true
	// false
	// schema_violation
	// internal: flush failed: schema_violation: null value in column message
}

// Example_errorChain shows how to chain multiple error contexts.
func Example_errorChain() {
	err := connectToDatabase()
	if err != nil {
		err = errors.Wrap(err, errors.ErrorTypePersistence, "failed to insert batch").
			WithDetail("operation", "insert")

		err = errors.Wrap(err, errors.ErrorTypeInternal, "worker flush failed").
			WithDetail("worker", "worker-1")

		fmt.Println("Full error chain:", err)
	}

	// Output:
	// Full error chain: internal: worker flush failed: persistence: failed to insert batch: connection: connection timeout
}

// connectToDatabase simulates a database connection error
func connectToDatabase() error {
	return errors.New(errors.ErrorTypeConnection, "connection timeout").
		WithDetail("host", "db.example.com").
		WithDetail("port", 5432)
}

// ExampleWrapKind shows reclassification of a foreign error.
func ExampleWrapKind() {
	err := errors.WrapKind(io.ErrUnexpectedEOF, errors.KindAppendFailed, "XADD failed")

	fmt.Println(err.Type)
	fmt.Println(errors.IsRetryable(err))

	// Output:
	// queue
	// true
}

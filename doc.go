// Package logpipe is a log ingestion and live streaming service.
//
// Log lines arrive over HTTP, from a Kafka topic or from the file shipper.
// The gateway detects each line's format, parses it into a canonical record
// and appends it to a durable queue. A pool of workers reads the queue in
// batches, stores each batch in the sink, publishes the stored records to a
// broadcast bus and only then acknowledges them. The WebSocket hub relays
// every published record to connected viewers.
//
// # Architecture
//
//	shipper ─┐
//	kafka   ─┼─> gateway ─> queue ─> workers ─> sink
//	HTTP    ─┘                          │
//	                                    └─> bus ─> hub ─> /ws/logs
//
// Delivery into the sink is at-least-once: a worker that stops between the
// insert and the acknowledgement leaves its messages pending and they are
// redelivered after the visibility timeout. Broadcast is best effort.
//
// # Quick Start
//
// Everything in one process, with in-memory queue, sink and bus:
//
//	logpipe serve
//	curl -XPOST localhost:5000/logs/raw -d '<34>1 2025-11-11T16:00:00Z web app 1 - - disk full'
//
// Shared backends, one gateway and separate workers:
//
//	export LOGPIPE_QUEUE_BACKEND=redis LOGPIPE_STORAGE_BACKEND=postgres
//	export LOGPIPE_STORAGE_DATABASE_URL=postgres://localhost/logs
//	logpipe serve &
//	logpipe worker --workers 8
//
// Shipping a file:
//
//	logpipe ship /var/log/app.log --gateway http://localhost:5000
//
// # Key Packages
//
//	pkg/parser         - Format detection and the parser registry
//	pkg/queue          - Durable queue contract with memory, Redis Streams and JetStream backends
//	pkg/sink           - Batch persistence to PostgreSQL, MongoDB or memory
//	pkg/broadcast      - Fan-out bus, in-process or Redis pub/sub
//	pkg/clients        - Outbound HTTP client with rate limiting and a circuit breaker
//	pkg/config         - Unified configuration management
//	pkg/errors         - Structured error handling
//	pkg/logger         - Structured logging
//	pkg/metrics        - Prometheus collectors
//	internal/gateway   - HTTP ingestion and parsing API
//	internal/worker    - Queue to sink worker pool
//	internal/hub       - WebSocket connection registry
//	internal/kafkain   - Kafka consumer group input
//	internal/shipper   - File tailer
//
// # Configuration
//
// All commands share one configuration file. Environment variables with the
// LOGPIPE_ prefix override it, and ${VAR_NAME} references inside the file
// are expanded. See package config.
package logpipe

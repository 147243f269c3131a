// Package config provides the single configuration structure for logpipe.
// Every command reads the same Config and each component takes the section
// it needs.
//
// # Sections
//
//   - Server: the ingestion gateway's HTTP listener
//   - Queue: the durable queue backend (memory, redis, jetstream)
//   - Worker: pool size, batch size and flush timeout
//   - Reliability: retry and backoff for batch persistence
//   - Storage: the sink (postgres, mongo, memory)
//   - Broadcast: the live fan-out bus and the WebSocket hub
//   - Parsers: custom patterns registered at startup
//   - Kafka: the optional Kafka input
//   - Shipper: the file shipper and its HTTP client
//   - Observability: logging, metrics and tracing
//
// # Loading
//
// Load layers three sources. Default supplies every value, a YAML file
// overrides some of them and the environment overrides the file:
//
//	cfg, err := config.Load("logpipe.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Environment keys are the upper-cased path with dots replaced by
// underscores and the LOGPIPE prefix, so queue.backend is read from
// LOGPIPE_QUEUE_BACKEND and storage.database_url from
// LOGPIPE_STORAGE_DATABASE_URL. A .env file in the working directory is
// loaded first.
//
// # Environment Variable Substitution
//
// The YAML file may reference variables with ${VAR_NAME}:
//
//	storage:
//	  backend: postgres
//	  database_url: ${DATABASE_URL}
//
// # Validation
//
// Load validates the result. Validate reports every problem at once as a
// single config error:
//
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("invalid configuration: %v", err)
//	}
package config

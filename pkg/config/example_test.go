package config_test

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/ajitpratap0/logpipe/pkg/config"
)

// ExampleDefault shows the in-memory defaults.
func ExampleDefault() {
	cfg := config.Default()

	fmt.Printf("Listen: %s\n", cfg.Server.Addr)
	fmt.Printf("Queue: %s\n", cfg.Queue.Backend)
	fmt.Printf("Batch: %d every %s\n", cfg.Worker.BatchSize, cfg.Worker.BatchTimeout)

	// Output:
	// Listen: :5000
	// Queue: memory
	// Batch: 500 every 2s
}

// ExampleLoad loads a YAML file with an environment variable reference.
func ExampleLoad() {
	dir, err := os.MkdirTemp("", "logpipe-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "logpipe.yaml")
	yaml := `
queue:
  backend: redis
  redis_url: ${EXAMPLE_REDIS_URL}
worker:
  batch_size: 100
  batch_timeout: 500ms
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		log.Fatal(err)
	}
	os.Setenv("EXAMPLE_REDIS_URL", "redis://cache:6379/1")
	defer os.Unsetenv("EXAMPLE_REDIS_URL")

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(cfg.Queue.Backend, cfg.Queue.RedisURL)
	fmt.Println(cfg.Worker.BatchSize, cfg.Worker.BatchTimeout)

	// Output:
	// redis redis://cache:6379/1
	// 100 500ms
}

// ExampleConfig_Validate shows a backend missing its connection string.
func ExampleConfig_Validate() {
	cfg := config.Default()
	cfg.Storage.Backend = config.BackendPostgres

	if err := cfg.Validate(); err != nil {
		fmt.Println("invalid")
	}

	// Output:
	// invalid
}

// Command logpipe runs the log ingestion gateway, the persistence workers
// and the file shipper.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/logpipe/pkg/config"
)

var version = "0.1.0"

// options are the flags shared by every command.
type options struct {
	configFile string
	logLevel   string
}

// load reads the configuration and applies flag overrides.
func (o *options) load() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Observability.LogLevel = o.logLevel
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "logpipe",
		Short: "logpipe - log ingestion, persistence and live streaming",
		Long: `logpipe accepts log lines over HTTP or Kafka, detects their format,
queues them durably, persists them in batches and streams every stored
record to WebSocket viewers.

Configuration is read from an optional YAML file and from LOGPIPE_*
environment variables, e.g. LOGPIPE_QUEUE_BACKEND=redis.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "Path to YAML configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	root.AddCommand(
		newVersionCmd(),
		newServeCmd(opts),
		newWorkerCmd(opts),
		newShipCmd(opts),
		newParseCmd(opts),
		newFormatsCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "logpipe v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/logpipe/pkg/config"
	"github.com/ajitpratap0/logpipe/pkg/errors"
)

func newWorkerCmd(opts *options) *cobra.Command {
	var workers int
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the persistence worker pool",
		Long: `Read the shared queue in batches, store each batch in the sink, publish
stored records to the broadcast bus and acknowledge them.

Needs a queue other than memory, since the memory queue lives inside the
serve process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("workers") {
				cfg.Worker.Workers = workers
			}
			return runWorker(cmd.Context(), cfg, metricsAddr)
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Number of concurrent workers")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics on this address, e.g. :9100")
	return cmd
}

func runWorker(ctx context.Context, cfg *config.Config, metricsAddr string) error {
	if cfg.Queue.Backend == config.BackendMemory {
		return errors.New(errors.ErrorTypeConfig,
			"worker needs a shared queue: set queue.backend to redis or jetstream, or use serve")
	}

	a, err := newApp(cfg, "worker")
	if err != nil {
		return err
	}
	defer a.close()

	q, err := a.openQueue(ctx)
	if err != nil {
		return err
	}
	bus, err := a.openBus()
	if err != nil {
		return err
	}
	pool, err := a.newPool(ctx, q, bus)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	if metricsAddr != "" && cfg.Observability.EnableMetrics {
		g.Go(func() error { return serveMetrics(gctx, metricsAddr, a.logger) })
	}
	return g.Wait()
}

// serveMetrics exposes the prometheus registry until ctx is done.
func serveMetrics(ctx context.Context, addr string, l *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		l.Info("metrics listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return errors.Wrap(err, errors.ErrorTypeConnection, "metrics server failed")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/logpipe/internal/gateway"
	"github.com/ajitpratap0/logpipe/internal/hub"
	"github.com/ajitpratap0/logpipe/internal/kafkain"
	"github.com/ajitpratap0/logpipe/internal/worker"
	"github.com/ajitpratap0/logpipe/pkg/config"
)

func newServeCmd(opts *options) *cobra.Command {
	var withWorkers bool
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion gateway and the live log hub",
		Long: `Run the HTTP gateway (submission, parsing, pattern management, queue
status, health and metrics) together with the WebSocket hub on /ws/logs.

With the memory queue the worker pool always runs in this process, since
no other process can read the queue. With a shared queue, pass
--with-workers to run it here as well, or start "logpipe worker"
separately. The Kafka input starts when kafka.enabled is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			embedded := withWorkers || cfg.Queue.Backend == config.BackendMemory
			return runServe(cmd.Context(), cfg, embedded)
		},
	}
	cmd.Flags().BoolVar(&withWorkers, "with-workers", false, "Run the worker pool in this process")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address override, e.g. :8080")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, embeddedWorkers bool) error {
	a, err := newApp(cfg, "serve")
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
	reg, err := newRegistry(cfg, a.logger)
	if err != nil {
		return err
	}

	gw := gateway.New(reg, q, a.logger)
	h := hub.New(hub.Config{
		PingInterval:   cfg.Broadcast.PingInterval,
		WriteTimeout:   cfg.Broadcast.WriteTimeout,
		SendBuffer:     cfg.Broadcast.SendBuffer,
		MaxMessageSize: hub.DefaultConfig().MaxMessageSize,
	}, a.logger)
	srv := gateway.NewServer(gateway.ServerConfig{
		Addr:           cfg.Server.Addr,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxBatchItems:  cfg.Server.MaxBatchItems,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		Version:        version,
		ServiceName:    "logpipe",
		Tracing:        cfg.Observability.EnableTracing,
		DisableMetrics: !cfg.Observability.EnableMetrics,
	}, gw, h, a.logger)

	var pool *worker.Pool
	if embeddedWorkers {
		if pool, err = a.newPool(ctx, q, bus); err != nil {
			return err
		}
	}
	var consumer *kafkain.Consumer
	if cfg.Kafka.Enabled {
		consumer, err = kafkain.New(kafkain.Config{
			Brokers:       cfg.Kafka.Brokers,
			Topic:         cfg.Kafka.Topic,
			Group:         cfg.Kafka.Group,
			InitialOffset: cfg.Kafka.InitialOffset,
			Version:       cfg.Kafka.Version,
		}, gw, a.logger)
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	g.Go(func() error { return h.Run(gctx, bus) })
	if pool != nil {
		g.Go(func() error { return pool.Run(gctx) })
	}
	if consumer != nil {
		g.Go(func() error { return consumer.Run(gctx) })
	}

	a.logger.Info("logpipe serving",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.Bool("embedded_workers", embeddedWorkers),
		zap.Bool("kafka", cfg.Kafka.Enabled))
	return g.Wait()
}

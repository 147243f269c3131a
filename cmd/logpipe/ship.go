package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/logpipe/internal/shipper"
	"github.com/ajitpratap0/logpipe/pkg/clients"
	"github.com/ajitpratap0/logpipe/pkg/config"
)

func newShipCmd(opts *options) *cobra.Command {
	var (
		gatewayURL   string
		positionFile string
		batchSize    int
	)

	cmd := &cobra.Command{
		Use:   "ship PATH",
		Short: "Tail a log file and send its lines to the gateway",
		Long: `Follow PATH like tail -F and post its lines in gzip-compressed batches
to the gateway's /logs/raw/batch endpoint.

The offset of the last delivered line is kept in a position file
(PATH.pos by default), so a restart resumes where the previous run
stopped. Rotation and truncation restart reading at the beginning of
the new file.

Example:
  logpipe ship /var/log/app.log --gateway http://logs:5000`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("gateway") {
				cfg.Shipper.GatewayURL = gatewayURL
			}
			if cmd.Flags().Changed("batch-size") {
				cfg.Shipper.BatchSize = batchSize
			}
			return runShip(cmd.Context(), cfg, args[0], positionFile)
		},
	}
	cmd.Flags().StringVarP(&gatewayURL, "gateway", "g", "", "Gateway base URL")
	cmd.Flags().StringVar(&positionFile, "position-file", "", "Position file (default PATH.pos)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Lines per request")
	return cmd
}

// httpConfig derives the shipper's HTTP client settings.
func httpConfig(sc config.ShipperConfig) (*clients.HTTPConfig, error) {
	hc := clients.DefaultHTTPConfig()
	hc.RateLimit = sc.RateLimit
	hc.RateBurst = sc.RateBurst
	hc.CircuitBreakerEnabled = sc.CircuitBreaker
	hc.UserAgent = "logpipe-shipper/" + version
	hc.OAuth2 = clients.OAuth2Config{
		TokenURL:     sc.TokenURL,
		ClientID:     sc.ClientID,
		ClientSecret: sc.ClientSecret,
		Scopes:       sc.Scopes,
	}
	if err := hc.OAuth2.Validate(); err != nil {
		return nil, err
	}
	return hc, nil
}

func runShip(ctx context.Context, cfg *config.Config, path, positionFile string) error {
	a, err := newApp(cfg, "ship")
	if err != nil {
		return err
	}
	defer a.close()

	hc, err := httpConfig(cfg.Shipper)
	if err != nil {
		return err
	}
	client := clients.NewHTTPClient(hc, a.logger)
	a.onClose(client.Close)

	sc := shipper.DefaultConfig()
	sc.Path = path
	sc.PositionFile = positionFile
	sc.GatewayURL = cfg.Shipper.GatewayURL
	sc.BatchSize = cfg.Shipper.BatchSize
	sc.FlushInterval = cfg.Shipper.FlushInterval
	sc.PollInterval = cfg.Shipper.PollInterval

	sh, err := shipper.New(sc, client, a.logger)
	if err != nil {
		return err
	}
	return sh.Run(ctx)
}

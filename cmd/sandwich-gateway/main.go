package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/WelcomerTeam/Sandwich-Gateway/internal"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	// Missing .env files are fine, the environment may already be set.
	_ = godotenv.Load()

	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var (
		configurationPath string
		logLevel          string
		httpHost          string
		prometheus        bool
	)

	cmd := &cobra.Command{
		Use:           "sandwich-gateway",
		Short:         "Sharded Discord gateway client that produces dispatch events to a message queue",
		Version:       internal.VERSION,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configuration, err := internal.LoadConfiguration(configurationPath)
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("log-level") {
				configuration.Logging.Level = logLevel
			}

			if cmd.Flags().Changed("http-host") {
				configuration.HTTP.Enabled = httpHost != ""
				configuration.HTTP.Host = httpHost
			}

			if cmd.Flags().Changed("prometheus") {
				configuration.Prometheus.Enabled = prometheus
			}

			if err := configuration.Validate(); err != nil {
				return err
			}

			return run(cmd.Context(), configuration)
		},
	}

	cmd.Flags().StringVarP(&configurationPath, "config", "c", envOrDefault("SANDWICH_CONFIG", "sandwich.yaml"), "path of the configuration file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	cmd.Flags().StringVar(&httpHost, "http-host", "", "address to serve the status API on, empty disables it")
	cmd.Flags().BoolVar(&prometheus, "prometheus", true, "expose metrics at /metrics on the status API")

	return cmd
}

func run(ctx context.Context, configuration *internal.Configuration) error {
	logger, closer, err := internal.NewLogger(configuration.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sg, err := internal.NewSandwich(logger, configuration, internal.SandwichOptions{})
	if err != nil {
		return err
	}

	if err := sg.Open(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to start sandwich")

		if closeErr := sg.Close(); closeErr != nil {
			logger.Warn().Err(closeErr).Msg("Failed to close sandwich")
		}

		return err
	}

	<-ctx.Done()

	return sg.Close()
}

func envOrDefault(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}

	return fallback
}

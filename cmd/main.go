package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ukydev/fleet-assistance/internal/app"
	"github.com/ukydev/fleet-assistance/internal/config"
	"github.com/ukydev/fleet-assistance/internal/logging"
	"github.com/ukydev/fleet-assistance/internal/metrics"
)

type rootOptions struct {
	envFiles []string
}

// setup loads configuration and builds the process logger.
func (o *rootOptions) setup() (*config.Config, *log.Logger, error) {
	cfg, err := config.Load(o.envFiles...)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "fleet-assistance",
		Short:         "Roadside assistance dispatch service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "Optional .env files loaded before the environment")

	cmd.AddCommand(newServeCmd(opts), newMigrateCmd(opts), newSequenceCmd(opts))
	return cmd
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := svc.Close(); err != nil {
					logger.WithError(err).Warn("Failed to close resources")
				}
			}()
			return svc.Run(ctx)
		},
	}
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create Mongo indexes and worklog tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			stores, err := app.OpenStores(cmd.Context(), cfg, nil, logger)
			if err != nil {
				return err
			}
			defer stores.Close(context.Background())

			if err := stores.Migrate(cmd.Context()); err != nil {
				return err
			}
			logging.Component(logger, "cli").Info("Migration complete")
			return nil
		},
	}
}

func newSequenceCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sequence",
		Short: "Inspect and issue sequence numbers",
	}
	cmd.AddCommand(newSequenceNextCmd(opts))
	return cmd
}

type sequenceOutput struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

func newSequenceNextCmd(opts *rootOptions) *cobra.Command {
	var (
		name     string
		maxValue int64
	)
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Issue the next value of a named sequence",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name = strings.TrimSpace(name)
			if name == "" {
				return errors.New("--name must not be blank")
			}
			if maxValue <= 0 {
				return errors.Errorf("--max must be positive, got %d", maxValue)
			}

			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			rec, err := metrics.New(prometheus.NewRegistry())
			if err != nil {
				return err
			}
			stores, err := app.OpenStores(cmd.Context(), cfg, rec, logger)
			if err != nil {
				return err
			}
			defer stores.Close(context.Background())

			value, err := stores.Sequences.Next(cmd.Context(), name, maxValue)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sequenceOutput{Name: name, Value: value})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Sequence name (required)")
	cmd.Flags().Int64Var(&maxValue, "max", 999999, "Largest value before the sequence wraps to 1")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		log.WithError(err).Error("Command failed")
		os.Exit(1)
	}
}

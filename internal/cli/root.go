// Package cli implements ledgerctl, the operator command line for partition
// lifecycle, analytics backfills, outbox repair and test tokens.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"opsledger/internal/app"
	"opsledger/pkg/config"
	"opsledger/pkg/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Env       string
	ConfigDir string
	Format    string // "json" | "text"
	Verbose   bool
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Operate the opsledger activity ledger",
		Long: `ledgerctl runs operator tasks against the configured ledger backend:
partition lifecycle, analytics backfills, outbox repair and test tokens.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Env, "env", config.GetConfigEnv(), "config environment (base.yaml plus <env>.yaml)")
	cmd.PersistentFlags().StringVar(&opts.ConfigDir, "config-dir", config.GetEnv("CONFIG_DIR", "config"), "directory holding the yaml config")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log at debug level to stderr")

	cmd.AddCommand(NewLifecycleCommand(opts))
	cmd.AddCommand(NewPartitionsCommand(opts))
	cmd.AddCommand(NewAnalyticsCommand(opts))
	cmd.AddCommand(NewOutboxCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

func (o *RootOptions) loadConfig() (*app.Config, error) {
	cfg, err := app.LoadConfig(o.Env, o.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func (o *RootOptions) logger(cfg *app.Config) *zap.Logger {
	if !o.Verbose {
		return zap.NewNop()
	}
	opts := cfg.Log
	opts.Level = "debug"
	return logger.NewLogger(opts)
}

// withApp wires the application for one command and closes it afterwards.
func (o *RootOptions) withApp(ctx context.Context, fn func(*app.App) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	log := o.logger(cfg)
	defer log.Sync()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func (o *RootOptions) printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

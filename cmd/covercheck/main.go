// Command covercheck runs the eligibility and coverage decision service and
// its operator tooling.
//
// The serve bootstrap sequence is:
//  1. Load configuration from the optional YAML file and the environment.
//  2. Connect to PostgreSQL via pgxpool (optionally applying migrations).
//  3. Create the repository, metrics and eligibility service.
//  4. Wire up the API key token validator.
//  5. Start the HTTP server (:8080) and gRPC server (:9090) concurrently.
//  6. Wait for SIGINT/SIGTERM, then gracefully shut down both servers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/matt-riley/covercheck/internal/config"
	"github.com/matt-riley/covercheck/internal/core"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	switch {
	case err == nil:
	case errors.Is(err, errNotEligible):
		os.Exit(2)
	default:
		slog.Error("covercheck failed", "error", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "covercheck",
		Short:         "Eligibility and coverage decision engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file (defaults to $CONFIG_FILE)")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newCheckCmd(opts),
		newAPIKeyCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func openPool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

func ruleSetOptions(severity string) core.RuleSetOptions {
	if severity == "soft" {
		return core.RuleSetOptions{ServiceNotCoveredHardness: core.HardnessSoft}
	}
	return core.RuleSetOptions{ServiceNotCoveredHardness: core.HardnessHard}
}

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"

	"github.com/pansacloud/gateway/internal/config"
	"github.com/pansacloud/gateway/internal/db"
	"github.com/pansacloud/gateway/internal/logging"
)

var (
	version   = "dev"
	gitCommit = "none"
	buildDate = "unknown"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// NewRootCmd builds the gateway command tree. Running it without a
// subcommand serves.
func NewRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:          "gateway",
		Short:        "Chat command gateway for PansaCloud",
		Version:      fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildDate),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cfgFile)
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or .env); environment variables override it")

	cmd.AddCommand(
		newServeCmd(&cfgFile),
		newMigrateCmd(&cfgFile),
		newSetPinCmd(&cfgFile),
		newAdminTokenCmd(&cfgFile),
	)
	return cmd
}

// setup loads .env files, then the configuration, and builds the root logger.
func setup(cfgFile string) (*config.Config, log.Logger, error) {
	// Load .env from CWD; variables already in the environment win
	_ = godotenv.Load(".env")

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logLevel := cfg.LogLevel
	if cfg.DevMode {
		logLevel = "debug"
	}
	logger := logging.New(os.Stderr, logLevel, cfg.LogFormat)
	return cfg, logger, nil
}

// openDatabase opens the configured database and applies migrations.
func openDatabase(ctx context.Context, cfg *config.Config, logger log.Logger) (*bun.DB, error) {
	database, err := db.Open(ctx, cfg.DBDriver, cfg.DatabaseURL, logging.Component(logger, "db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(ctx, database, cfg.DBDriver, logger); err != nil {
		_ = database.Close()
		return nil, err
	}
	return database, nil
}

func closeDatabase(database *bun.DB, logger log.Logger) {
	if err := database.Close(); err != nil {
		level.Warn(logger).Log("msg", "failed to close database", "err", err)
	}
}

package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/taskclaw/pkg/taskclaw/config"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/database"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/orchestrator"
)

// resolveConfig loads the file named by --config, or the first config file
// found in the standard locations, or the defaults.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath == "" {
		configPath = config.FindConfigFile()
	}
	if configPath == "" {
		return config.DefaultConfig(), nil
	}

	cfg, err := config.LoadConfigFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", configPath, err)
	}
	return cfg, nil
}

// newLogger builds the slog logger from the logging config. --verbose
// forces debug level.
func newLogger(cmd *cobra.Command, cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// openSecrets opens the database and returns the sealed secret store.
func openSecrets(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*database.DB, *database.SecretStore, error) {
	sealer, err := orchestrator.ResolveSealer(cfg.Sealing, logger)
	if err != nil {
		return nil, nil, err
	}
	db, err := database.Open(ctx, database.SQLiteConfig{
		Path:        cfg.Database.Path,
		JournalMode: cfg.Database.JournalMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	return db, db.Secrets(sealer), nil
}

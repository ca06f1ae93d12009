package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/taskclaw/pkg/taskclaw/channels/telegram"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/gateway"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/orchestrator"
)

// shutdownTimeout bounds how long queued work may drain on shutdown.
const shutdownTimeout = 30 * time.Second

// newServeCmd creates the `taskclaw serve` command that runs the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon with messaging channels and the HTTP gateway",
		Long: `Start TaskClaw as a daemon: connect the enabled channels, process
messages through the per-user queues, run housekeeping jobs and serve the
HTTP gateway when enabled.

Examples:
  taskclaw serve
  taskclaw serve --config ./config.yaml --verbose`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cmd, cfg.Logging, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch, err := orchestrator.New(ctx, cfg, orchestrator.Options{}, logger)
	if err != nil {
		return err
	}

	var tg *telegram.Telegram
	if tc := cfg.Channels.Telegram; tc.Enabled {
		tg = telegram.New(telegram.Config{
			Token:         tc.Token,
			AllowedUsers:  tc.AllowedUsers,
			Mode:          tc.Mode,
			WebhookSecret: tc.WebhookSecret,
		}, logger)
		orch.AddChannel(tg)
	}

	if err := orch.Start(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(fmt.Errorf("starting orchestrator: %w", err), orch.Close(closeCtx))
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Gateway.Enabled {
		deps := gateway.Deps{
			Queue:    orch.Dispatcher,
			Sessions: orch.Sessions,
			Secrets:  orch.Secrets,
			Agents:   orch.Agents,
			Health:   orch.Router,
			Jobs:     orch.Housekeeper,
		}
		if tg != nil && cfg.Channels.Telegram.Mode == telegram.ModeWebhook {
			deps.Webhook = tg
		}
		gw := gateway.New(gateway.Config{
			Address:   cfg.Gateway.Address,
			AuthToken: cfg.Gateway.AuthToken,
		}, deps, logger)
		g.Go(func() error { return gw.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	logger.Info("TaskClaw running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"gateway", cfg.Gateway.Enabled,
		"telegram", tg != nil,
	)

	runErr := g.Wait()
	logger.Info("shutting down, draining queues", "timeout", shutdownTimeout)

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := orch.Close(closeCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	logger.Info("TaskClaw stopped")
	return runErr
}

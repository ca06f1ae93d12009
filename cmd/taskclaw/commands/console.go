package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/taskclaw/pkg/taskclaw/channels/console"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/orchestrator"
)

// newConsoleCmd creates `taskclaw console`, a local REPL that talks to the
// agent as one user through the same queue and pipeline as serve.
func newConsoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Chat with the agent from the terminal",
		Long: `Start an interactive session as a single user. Messages go through
the same session, skill and queue handling as chat channels.
Type "new" to start a fresh session and "exit" to quit.

Examples:
  taskclaw console
  taskclaw console --user alice`,
		RunE: runConsole,
	}
	cmd.Flags().StringP("user", "u", "local", "user id to chat as")
	return cmd
}

func runConsole(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	userID, _ := cmd.Flags().GetString("user")

	// Logs go to stderr so they do not interleave with replies.
	logCfg := cfg.Logging
	logCfg.Format = "text"
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); !verbose {
		logCfg.Level = "warn"
	}
	logger := newLogger(cmd, logCfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	orch, err := orchestrator.New(ctx, cfg, orchestrator.Options{}, logger)
	if err != nil {
		return err
	}

	con, err := console.New(console.Config{
		UserID:      userID,
		Prompt:      userID + "> ",
		HistoryFile: filepath.Join(filepath.Dir(cfg.Database.Path), ".console_history"),
	}, logger)
	if err != nil {
		return err
	}
	orch.AddChannel(con)

	closeCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), shutdownTimeout)
	}
	if err := orch.Start(ctx); err != nil {
		c, cancel := closeCtx()
		defer cancel()
		_ = orch.Close(c)
		return err
	}

	fmt.Fprintf(os.Stdout, "TaskClaw console as %q. Type \"exit\" to quit.\n\n", userID)
	select {
	case <-con.Done():
	case <-ctx.Done():
	}

	c, cancel := closeCtx()
	defer cancel()
	return orch.Close(c)
}

package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/taskclaw/pkg/taskclaw/config"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/database"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/skills"
)

// newRenderCmd creates `taskclaw render`, which materializes a user's skill
// templates and prints what the agent would receive.
func newRenderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "render <user>",
		Short: "Render a user's skill templates and print the exports",
		Long: `Resolve every *_example template visible to the user and write the
rendered config files, exactly as before an agent invocation. Prints the
rendered files, the {SKILL}_CONFIG exports and any missing placeholders.

Examples:
  taskclaw render alice`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := args[0]
			return withSecrets(cmd, func(ctx context.Context, cfg *config.Config, store *database.SecretStore) error {
				logger := newLogger(cmd, cfg.Logging, cmd.ErrOrStderr())
				layout := skills.Layout{
					Root:        cfg.Skills.Root,
					SharedDir:   cfg.Skills.SharedDir,
					SecretsFile: cfg.Skills.SecretsFile,
				}
				m := skills.NewMaterializer(layout, skills.NewSecretStore(layout, store), logger)
				snap, err := m.RenderAll(ctx, userID)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if len(snap.Skills) == 0 {
					fmt.Fprintln(out, "No skills installed.")
					return nil
				}
				fmt.Fprintf(out, "Skills: %s\n", strings.Join(snap.Skills, ", "))
				if len(snap.Rendered) > 0 {
					fmt.Fprintln(out, "\nRendered:")
					for _, path := range snap.Rendered {
						fmt.Fprintf(out, "  %s\n", path)
					}
				}
				if env := snap.Env(); len(env) > 0 {
					fmt.Fprintln(out, "\nExports:")
					for _, kv := range env {
						fmt.Fprintf(out, "  %s\n", kv)
					}
				}
				if len(snap.Missing) > 0 {
					fmt.Fprintln(out, "\nMissing:")
					for _, skill := range sortedKeys(snap.Missing) {
						fmt.Fprintf(out, "  %s: %s\n", skill, strings.Join(snap.Missing[skill], ", "))
					}
				}
				fmt.Fprintf(out, "\nFingerprint: %s\n", snap.Fingerprint)
				return nil
			})
		},
	}
}

package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/taskclaw/pkg/taskclaw/config"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/database"
)

// newSecretCmd creates `taskclaw secret` with set, list and delete.
func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage per-user skill secrets",
		Long: `Manage the values that fill skill template placeholders. Values
stored here take precedence over the user's skills_secrets.yml.

Examples:
  taskclaw secret set alice himalaya GMAIL
  taskclaw secret list alice
  taskclaw secret delete alice himalaya GMAIL`,
	}
	cmd.AddCommand(newSecretSetCmd(), newSecretListCmd(), newSecretDeleteCmd())
	return cmd
}

func newSecretSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <user> <skill> <key>",
		Short: "Store a secret (prompts for the value)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, _ := cmd.Flags().GetString("value")
			if value == "" {
				v, err := readSecretValue(cmd.InOrStdin(), cmd.ErrOrStderr(), args[2])
				if err != nil {
					return err
				}
				value = v
			}
			if value == "" {
				return errors.New("empty value")
			}
			return withSecrets(cmd, func(ctx context.Context, _ *config.Config, store *database.SecretStore) error {
				if err := store.Put(ctx, args[0], args[1], args[2], value); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stored %s.%s for %s\n",
					strings.ToLower(args[1]), strings.ToLower(args[2]), args[0])
				return nil
			})
		},
	}
	cmd.Flags().String("value", "", "secret value (prompted when omitted)")
	return cmd
}

func newSecretListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <user>",
		Short: "List a user's stored secrets with masked values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSecrets(cmd, func(ctx context.Context, _ *config.Config, store *database.SecretStore) error {
				all, err := store.ListUser(ctx, args[0])
				if err != nil {
					return err
				}
				if len(all) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No secrets stored.")
					return nil
				}
				out := cmd.OutOrStdout()
				for _, skill := range sortedKeys(all) {
					fmt.Fprintf(out, "%s:\n", skill)
					for _, key := range sortedKeys(all[skill]) {
						fmt.Fprintf(out, "  %s = %s\n", key, mask(all[skill][key]))
					}
				}
				return nil
			})
		},
	}
}

func newSecretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <user> <skill> <key>",
		Short: "Delete a stored secret",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSecrets(cmd, func(ctx context.Context, _ *config.Config, store *database.SecretStore) error {
				if err := store.Delete(ctx, args[0], args[1], args[2]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Deleted.")
				return nil
			})
		},
	}
}

func withSecrets(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, store *database.SecretStore) error) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg.Logging, cmd.ErrOrStderr())
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	db, store, err := openSecrets(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(ctx, cfg, store)
}

// readSecretValue reads a value without echo when stdin is a terminal, or
// one line from stdin otherwise.
func readSecretValue(in io.Reader, prompt io.Writer, key string) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprintf(prompt, "Value for %s: ", key)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("reading value: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading value: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// mask shows at most the last four characters of long values.
func mask(v string) string {
	if len(v) <= 8 {
		return "****"
	}
	return "****" + v[len(v)-4:]
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

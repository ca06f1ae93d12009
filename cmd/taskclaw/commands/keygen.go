package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/taskclaw/pkg/taskclaw/sealing"
)

// newKeygenCmd creates `taskclaw keygen`, which generates the age identity
// used to seal stored secrets.
func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the age identity that seals stored secrets",
		Long: `Generate an age X25519 identity and store it in the OS keyring, or
in an identity file with --file. Enable sealing in the config afterwards.

Existing secrets stay readable only with the identity that sealed them.

Examples:
  taskclaw keygen
  taskclaw keygen --file ./data/identity.txt`,
		RunE: runKeygen,
	}
	cmd.Flags().String("file", "", "write the identity to this file instead of the keyring")
	cmd.Flags().Bool("force", false, "overwrite an existing identity")
	return cmd
}

func runKeygen(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	file, _ := cmd.Flags().GetString("file")
	force, _ := cmd.Flags().GetBool("force")

	if !force {
		src := sealing.Source{KeyringService: cfg.Sealing.KeyringService, IdentityFile: file}
		if file == "" {
			src.IdentityFile = cfg.Sealing.IdentityFile
		}
		if _, where, err := sealing.Resolve(src); err == nil {
			return fmt.Errorf("an identity already exists in the %s; use --force to replace it", where)
		} else if !errors.Is(err, sealing.ErrNoIdentity) {
			return err
		}
	}

	identity, err := sealing.Generate()
	if err != nil {
		return err
	}
	s, err := sealing.New(identity)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if file != "" {
		if err := sealing.WriteIdentityFile(file, identity); err != nil {
			return err
		}
		fmt.Fprintf(out, "Identity written to %s\n", file)
	} else {
		if err := sealing.StoreKeyring(cfg.Sealing.KeyringService, identity); err != nil {
			return fmt.Errorf("storing identity in keyring: %w (use --file instead)", err)
		}
		fmt.Fprintf(out, "Identity stored in the OS keyring (service %q)\n", cfg.Sealing.KeyringService)
	}
	fmt.Fprintf(out, "Public key: %s\n", s.Recipient())
	if os.Getenv(sealing.IdentityEnvVar) != "" {
		fmt.Fprintf(out, "Note: %s is set and takes precedence over this identity.\n", sealing.IdentityEnvVar)
	}
	return nil
}

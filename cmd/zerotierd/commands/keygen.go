package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/NAStools/zerotierone/src/identity"
)

func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an identity and write it to the data directory",
		RunE:  keygen,
	}
	cmd.Flags().Bool("stdout", false, "Print the secret identity instead of writing files")
	return cmd
}

func keygen(cmd *cobra.Command, args []string) error {
	if err := loadConfig(cmd); err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "generating identity (hashcash search, this takes a while)...")
	id := identity.Generate()

	if stdout, _ := cmd.Flags().GetBool("stdout"); stdout {
		fmt.Println(id.PrivateString())
		return nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return err
	}
	secretPath := cfg.Keyfile()
	if _, err := os.Stat(secretPath); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", secretPath)
	}
	if err := os.WriteFile(secretPath, []byte(id.PrivateString()), 0600); err != nil {
		return err
	}
	publicPath := filepath.Join(cfg.DataDir, "identity.public")
	if err := os.WriteFile(publicPath, []byte(id.String()), 0644); err != nil {
		return err
	}

	fmt.Println(id.String())
	return nil
}

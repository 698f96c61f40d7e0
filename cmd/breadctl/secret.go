package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/sipico/breadbox/internal/signedurl"
)

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage the signed URL signing secret",
	}
	cmd.AddCommand(newSecretGenerateCmd())
	return cmd
}

func newSecretGenerateCmd() *cobra.Command {
	var (
		file  string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "generate [--file PATH]",
		Short: "Generate a signing secret",
		Long: `Generate a random signing secret. Without --file it is printed for
use as SIGNING_SECRET. Replacing the secret invalidates every issued link.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret, err := signedurl.GenerateSecret()
			if err != nil {
				return err
			}
			encoded := signedurl.EncodeSecret(secret)

			if file == "" {
				fmt.Fprintln(cmd.OutOrStdout(), encoded)
				return nil
			}

			flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
			if force {
				flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
			}
			f, err := os.OpenFile(file, flags, 0o600)
			if errors.Is(err, fs.ErrExist) {
				return fmt.Errorf("%s already exists; use --force to replace it", file)
			}
			if err != nil {
				return fmt.Errorf("failed to create secret file: %w", err)
			}
			if _, err := fmt.Fprintln(f, encoded); err != nil {
				_ = f.Close()
				return fmt.Errorf("failed to write secret file: %w", err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("failed to write secret file: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote signing secret to %s\n", file)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "write the secret to this file (mode 0600)")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing file")
	return cmd
}

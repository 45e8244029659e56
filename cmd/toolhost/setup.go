package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/auxothq/toolhost/pkg/auth"
)

var setupWriteEnv bool

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Generate an auth token and print its hash",
	Long: `Generates a new host auth token. The plaintext token is shown once and
must be given to callers; only its Argon2id hash is configured on the host
through TOOLHOST_AUTH_TOKEN_HASH.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if setupWriteEnv {
			if _, err := os.Stat(".env"); err == nil {
				return errors.New(".env already exists; remove it first or run setup without --write-env")
			}
		}

		key, err := auth.GenerateAuthToken()
		if err != nil {
			return fmt.Errorf("generating auth token: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "# SAVE THIS TOKEN NOW. It will NOT be shown again.")
		fmt.Fprintf(out, "#   %s\n", key.Key)
		fmt.Fprintln(out)

		env := fmt.Sprintf("TOOLHOST_AUTH_TOKEN_HASH='%s'\n", key.Hash)
		if !setupWriteEnv {
			fmt.Fprint(out, env)
			return nil
		}
		if err := os.WriteFile(".env", []byte(env), 0o600); err != nil {
			return fmt.Errorf("writing .env: %w", err)
		}
		fmt.Fprintln(out, "# Wrote TOOLHOST_AUTH_TOKEN_HASH to .env")
		return nil
	},
}

func init() {
	setupCmd.Flags().BoolVar(&setupWriteEnv, "write-env", false, "write the hash to .env (refuses to overwrite)")
}

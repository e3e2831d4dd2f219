package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/randomizer/internal/auth"
	"github.com/mistakeknot/randomizer/internal/cli"
)

func initCmd() *cobra.Command {
	var user, keysFile string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate an API key for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if keysFile == "" {
				keysFile = auth.ResolveKeysPath()
			}
			key, err := cli.InitKeysFile(keysFile, user)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user: %s\nkey: %s\nkeys file: %s\n", user, key, keysFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user the key authenticates as")
	cmd.Flags().StringVar(&keysFile, "keys-file", "", "keys file (defaults to $RANDOMIZER_KEYS_FILE or randomizer.keys.yaml)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

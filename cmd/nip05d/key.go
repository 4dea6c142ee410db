package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"nip05/internal/identity"
	"nip05/pkg/platform/secrets"
)

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Admin key and public key utilities",
	}
	cmd.AddCommand(keyGenerateCmd())
	cmd.AddCommand(keyHashCmd())
	cmd.AddCommand(keyConvertCmd())
	return cmd
}

func keyGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Generate a new admin API key and its hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := secrets.Generate()
			if err != nil {
				return err
			}
			hash, err := secrets.Hash(key)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "key:  %s\n", key)
			fmt.Fprintf(out, "ADMIN_API_KEY_HASH=%s\n", hash)
			return nil
		},
	}
}

func keyHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash [key]",
		Short: "Print the bcrypt hash of an admin API key",
		Long:  "Print the bcrypt hash of an admin API key. Reads the key from stdin when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if len(args) == 1 {
				key = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read key: %w", err)
				}
				key = strings.TrimSpace(line)
			}
			hash, err := secrets.Hash(key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func keyConvertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "convert <npub|hex>",
		Short: "Show a public key in both hex and npub form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := identity.Decode(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "hex:  %s\n", k.Hex())
			fmt.Fprintf(out, "npub: %s\n", identity.Encode(k))
			return nil
		},
	}
}

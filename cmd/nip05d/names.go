package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"nip05/internal/identity"
	"nip05/internal/platform/config"
	"nip05/internal/platform/logger"
	"nip05/internal/registry/models"
	regstore "nip05/internal/registry/store"
	"nip05/pkg/domain"
)

func namesCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "names",
		Short: "Inspect or edit the registry on disk (server must be stopped)",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if dataDir != "" {
				return nil
			}
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			dataDir = cfg.Registry.DataDir
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "registry data directory (default $NIP05_DATA_DIR or ./data)")
	cmd.AddCommand(namesListCmd(&dataDir))
	cmd.AddCommand(namesRemoveCmd(&dataDir))
	return cmd
}

func namesListCmd(dataDir *string) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry, err := regstore.Open(*dataDir, regstore.WithLogger(logger.Discard()))
			if err != nil {
				return err
			}
			defer registry.Close()
			return printEntries(cmd.OutOrStdout(), registry.List(cmd.Context()), jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func namesRemoveCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a name from the registry",
		Long: `Remove a name from the registry file directly.

A running server holds a lock on the data directory, so this fails with
"locked by another process" until the server is stopped. Use
DELETE /api/manage/names/{name} against a live server instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := domain.ParseIdentifier(args[0])
			if err != nil {
				return err
			}
			registry, err := regstore.Open(*dataDir, regstore.WithLogger(logger.Discard()))
			if err != nil {
				return err
			}
			defer registry.Close()
			if err := registry.Remove(cmd.Context(), name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", name)
			return nil
		},
	}
}

type entryView struct {
	Name         string    `json:"name"`
	Hex          string    `json:"hex"`
	Npub         string    `json:"npub"`
	RegisteredAt time.Time `json:"registered_at"`
}

func printEntries(w io.Writer, entries []*models.Entry, jsonOutput bool) error {
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		v := entryView{Name: e.Identifier.String(), Hex: e.PublicKey, RegisteredAt: e.RegisteredAt}
		if k, err := identity.ParseHex(e.PublicKey); err == nil {
			v.Npub = identity.Encode(k)
		}
		views = append(views, v)
	}

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}

	if len(views) == 0 {
		fmt.Fprintln(w, "No names registered.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "NAME\tNPUB\tREGISTERED\n")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", v.Name, v.Npub, v.RegisteredAt.Format(time.DateTime))
	}
	return tw.Flush()
}

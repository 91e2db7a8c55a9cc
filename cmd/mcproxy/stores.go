package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gosuda/mcproxy/internal/config"
	"github.com/gosuda/mcproxy/internal/gemini"
)

func newStoresCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "stores",
		Short: "List the Gemini file search stores visible to the configured keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				path = cfg.Backend.Path
			}

			backend, err := config.NewBackendStore(path).Load()
			if err != nil {
				return err
			}
			keys := backend.APIKeyPool()
			if len(keys) == 0 {
				return errors.New("no Gemini API key configured")
			}

			stores, err := gemini.New(backend.Gemini.APIBase, keys).ListStores(cmd.Context())
			if err != nil {
				return fmt.Errorf("list stores: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tDISPLAY NAME\tACTIVE DOCS")
			for _, s := range stores {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, s.DisplayName, s.ActiveDocumentsCount)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&path, "config", "", "backend config file (default: MCPROXY_BACKEND_CONFIG)")
	return cmd
}

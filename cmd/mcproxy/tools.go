package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/mcproxy/internal/config"
	"github.com/gosuda/mcproxy/internal/mcp"
)

func newToolsCmd() *cobra.Command {
	var (
		url    string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools advertised by the MCP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if url == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				url = cfg.MCP.URL
			}

			session := mcp.NewSession(mcp.NewClient(url), 0, nil)
			if err := session.EnsureReady(cmd.Context()); err != nil {
				log.Warn().Err(err).Str("mcp_url", url).Msg("initialize failed, listing tools anyway")
			}
			set, err := session.Tools(cmd.Context())
			if err != nil {
				return fmt.Errorf("list tools: %w", err)
			}
			return printTools(cmd.OutOrStdout(), set.Raw, asJSON)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "MCP endpoint (default: MCPROXY_MCP_URL)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw tool list as JSON")
	return cmd
}

func printTools(w io.Writer, tools []mcp.Tool, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(tools)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDESCRIPTION")
	for _, t := range tools {
		fmt.Fprintf(tw, "%s\t%s\n", t.Name, firstLine(t.Description))
	}
	return tw.Flush()
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/forge/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve forge as MCP tools on stdio",
	Long: `Serve forge sessions as Model Context Protocol tools over stdin/stdout so an
agent host can create, start, resume and approve sessions.

Logs go to stderr; stdout carries only the protocol.

Example MCP host configuration:
  {"mcpServers": {"forge": {"command": "forge", "args": ["mcp"]}}}`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		cfg := mcp.DefaultConfig()
		cfg.Version = version
		cfg.Logger = a.Logger.Named("mcp")
		srv, err := mcp.NewServer(cfg, a.Controller, a.Memory, a.Scrubber)
		if err != nil {
			return fmt.Errorf("creating MCP server: %w", err)
		}

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() { _ = a.Run(runCtx) }()
		return srv.Run(runCtx)
	},
}

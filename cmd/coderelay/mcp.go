package main

import (
	"github.com/spf13/cobra"

	"coderelay/internal/adapter/mcpserver"
)

func newMCPCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the coding tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			// stdout carries the protocol.
			if cfg.Logger.Output == "stdout" {
				cfg.Logger.Output = "stderr"
			}
			if cfg.Tracer.Exporter == "stdout" {
				cfg.Tracer.Exporter = "stderr"
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			return mcpserver.New(mcpserver.Deps{
				Tools:     a.tools.List(),
				Processes: a.supervisor,
				Changes:   a.ledger,
				Workspace: cfg.Workspace,
				Version:   Version,
				Logger:    a.logger,
			}).ServeStdio()
		},
	}
}

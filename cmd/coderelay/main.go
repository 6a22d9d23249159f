// Command coderelay runs the coding-assistant backend: a gateway that
// relays planner-driven edits and commands to connected editors, or an MCP
// server exposing the same tools over stdio.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	workspace  string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "coderelay",
		Short:         "Planner-driven coding backend with a live event gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", defaultConfigPath(), "config file (YAML or TOML)")
	pf.StringVarP(&flags.workspace, "workspace", "w", "", "default workspace root (overrides config)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newServeCommand(flags),
		newMCPCommand(flags),
		newEncryptCommand(),
		newConfigCommand(flags),
	)
	return root
}

// defaultConfigPath prefers ./coderelay.yaml and falls back to the user
// config under ~/.coderelay.
func defaultConfigPath() string {
	for _, p := range []string{"coderelay.yaml", "coderelay.toml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "coderelay.yaml"
	}
	return home + "/.coderelay/config.yaml"
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// newConfigCommand prints the effective configuration with secrets masked.
func newConfigCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			for i := range cfg.LLM.Providers {
				cfg.LLM.Providers[i].APIKey = mask(cfg.LLM.Providers[i].APIKey)
			}
			for i := range cfg.Gateway.Auth.Tokens {
				cfg.Gateway.Auth.Tokens[i].Token = mask(cfg.Gateway.Auth.Tokens[i].Token)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****"
}

package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"coderelay/internal/infra/config"
)

// newEncryptCommand prints an "enc:" value for a secret read from stdin,
// encrypted with CODERELAY_CONFIG_KEY.
func newEncryptCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a secret from stdin for use in the config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			passphrase := os.Getenv("CODERELAY_CONFIG_KEY")
			if passphrase == "" {
				return errors.New("CODERELAY_CONFIG_KEY is not set")
			}
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read secret: %w", err)
			}
			secret := strings.TrimRight(line, "\r\n")
			if secret == "" {
				return errors.New("empty secret")
			}
			enc, err := config.EncryptValue(secret, passphrase)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "enc:"+enc)
			return nil
		},
	}
}

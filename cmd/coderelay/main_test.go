package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coderelay/internal/infra/config"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommandWiring(t *testing.T) {
	root := newRootCommand()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "mcp", "encrypt", "config"}, names)
	assert.NotNil(t, root.PersistentFlags().Lookup("workspace"))
}

func TestVersionFlag(t *testing.T) {
	out, err := execute(t, "", "--version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestEncryptCommand(t *testing.T) {
	t.Setenv("CODERELAY_CONFIG_KEY", "pass")
	out, err := execute(t, "sk-secret\n", "encrypt")
	require.NoError(t, err)

	enc := strings.TrimSpace(out)
	require.True(t, strings.HasPrefix(enc, "enc:"), out)
	plain, err := config.DecryptValue(strings.TrimPrefix(enc, "enc:"), "pass")
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", plain)
}

func TestEncryptCommandNeedsKey(t *testing.T) {
	t.Setenv("CODERELAY_CONFIG_KEY", "")
	_, err := execute(t, "x\n", "encrypt")
	assert.ErrorContains(t, err, "CODERELAY_CONFIG_KEY")
}

func TestConfigCommandMasksSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coderelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
llm:
  providers:
    - name: openai
      type: openai
      api_key: sk-1234567890
gateway:
  auth:
    tokens:
      - token: short
        name: laptop
`), 0o600))

	out, err := execute(t, "", "config", "--config", path, "--workspace", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "sk-1****")
	assert.NotContains(t, out, "sk-1234567890")
	assert.NotContains(t, out, "token: short")
	assert.Contains(t, out, "workspace: "+dir)
}

func TestLoadConfigOverrides(t *testing.T) {
	dir := t.TempDir()
	cfg, err := loadConfig(&rootFlags{
		configPath: filepath.Join(dir, "missing.yaml"),
		workspace:  dir,
		logLevel:   "debug",
	})
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.Workspace)
	assert.Equal(t, "debug", cfg.Logger.Level)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "", mask(""))
	assert.Equal(t, "****", mask("abc"))
	assert.Equal(t, "abcd****", mask("abcdefghijk"))
}

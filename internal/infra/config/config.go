package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Workspace      string               `yaml:"workspace" toml:"workspace"`
	DataDir        string               `yaml:"data_dir" toml:"data_dir"`
	Logger         LoggerConfig         `yaml:"logger" toml:"logger"`
	Tracer         TracerConfig         `yaml:"tracer" toml:"tracer"`
	Gateway        GatewayConfig        `yaml:"gateway" toml:"gateway"`
	LLM            LLMConfig            `yaml:"llm" toml:"llm"`
	Agent          AgentConfig          `yaml:"agent" toml:"agent"`
	Process        ProcessConfig        `yaml:"process" toml:"process"`
	Tools          ToolsConfig          `yaml:"tools" toml:"tools"`
	Store          StoreConfig          `yaml:"store" toml:"store"`
	WorkspaceIndex WorkspaceIndexConfig `yaml:"workspace_index" toml:"workspace_index"`
	Audit          AuditConfig          `yaml:"audit" toml:"audit"`
	Includes       []string             `yaml:"includes,omitempty" toml:"includes,omitempty"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Addr           string          `yaml:"addr" toml:"addr"`
	Auth           AuthConfig      `yaml:"auth" toml:"auth"`
	KeepAlive      time.Duration   `yaml:"keepalive" toml:"keepalive"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	HTTPLimit      RateLimitConfig `yaml:"http_limit" toml:"http_limit"` // per client address
	TrustedProxies []string        `yaml:"trusted_proxies,omitempty" toml:"trusted_proxies,omitempty"`
	AllowedOrigins []string        `yaml:"allowed_origins,omitempty" toml:"allowed_origins,omitempty"`
}

// AuthConfig holds gateway authentication settings. No tokens means every
// client is accepted.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens,omitempty" toml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string `yaml:"token" toml:"token"`
	Name  string `yaml:"name" toml:"name"`
}

// RateLimitConfig is a token bucket. PerMinute 0 disables it.
type RateLimitConfig struct {
	PerMinute float64 `yaml:"per_minute" toml:"per_minute"`
	Burst     int     `yaml:"burst" toml:"burst"`
}

// LLMConfig holds planner provider settings.
type LLMConfig struct {
	DefaultProvider string               `yaml:"default_provider" toml:"default_provider"`
	Providers       []ProviderConfig     `yaml:"providers" toml:"providers"`
	Failover        FailoverConfig       `yaml:"failover" toml:"failover"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker" toml:"circuit_breaker"`
	MaxTokens       int                  `yaml:"max_tokens" toml:"max_tokens"`
	Temperature     float64              `yaml:"temperature" toml:"temperature"`
}

// FailoverConfig holds model failover settings.
type FailoverConfig struct {
	Enabled   bool     `yaml:"enabled" toml:"enabled"`
	Fallbacks []string `yaml:"fallbacks" toml:"fallbacks"`
}

// CircuitBreakerConfig holds circuit breaker settings for planner providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled" toml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures" toml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout" toml:"timeout"`
	Interval    time.Duration `yaml:"interval" toml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for planner providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns" toml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host" toml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host" toml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout" toml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single planner provider.
type ProviderConfig struct {
	Name        string        `yaml:"name" toml:"name"`
	Type        string        `yaml:"type" toml:"type"` // "openai" or "ollama"
	BaseURL     string        `yaml:"base_url" toml:"base_url"`
	APIKey      string        `yaml:"api_key" toml:"api_key"`
	Model       string        `yaml:"model" toml:"model"`
	ConnTimeout time.Duration `yaml:"conn_timeout" toml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout" toml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool" toml:"pool"`
}

// AgentConfig holds agent behavior settings.
type AgentConfig struct {
	MaxIterations int    `yaml:"max_iterations" toml:"max_iterations"`
	MaxHistory    int    `yaml:"max_history" toml:"max_history"`
	SystemPrompt  string `yaml:"system_prompt" toml:"system_prompt"` // empty = built-in prompt
}

// ProcessConfig holds process supervisor settings.
type ProcessConfig struct {
	Shell       string        `yaml:"shell" toml:"shell"`
	GracePeriod time.Duration `yaml:"grace_period" toml:"grace_period"`
	MaxLines    int           `yaml:"max_lines" toml:"max_lines"`
	MaxLive     int           `yaml:"max_live" toml:"max_live"`
}

// ToolsConfig holds tool settings.
type ToolsConfig struct {
	CommandTimeout      time.Duration `yaml:"command_timeout" toml:"command_timeout"`
	FindLimit           int           `yaml:"find_limit" toml:"find_limit"`
	RestrictToWorkspace bool          `yaml:"restrict_to_workspace" toml:"restrict_to_workspace"`
}

// StoreConfig selects where chat sessions are kept.
type StoreConfig struct {
	Type string `yaml:"type" toml:"type"` // "memory" or "sqlite"
	Path string `yaml:"path" toml:"path"` // sqlite file; default <data_dir>/chat.db
}

// AuditConfig controls the JSONL trail of gateway control actions.
type AuditConfig struct {
	Enabled bool          `yaml:"enabled" toml:"enabled"`
	Path    string        `yaml:"path" toml:"path"`       // default <data_dir>/audit.jsonl
	MaxAge  time.Duration `yaml:"max_age" toml:"max_age"` // entries older than this are dropped at startup; 0 keeps all
}

// WorkspaceIndexConfig holds @-mention file index settings.
type WorkspaceIndexConfig struct {
	Watch  bool     `yaml:"watch" toml:"watch"`
	Limit  int      `yaml:"limit" toml:"limit"`
	Ignore []string `yaml:"ignore,omitempty" toml:"ignore,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // "text", "json" or "pretty"
	Output string `yaml:"output" toml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Exporter string `yaml:"exporter" toml:"exporter"`
}

// defaultDataDir returns the persistent data directory under $HOME/.coderelay.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".coderelay")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
		Gateway: GatewayConfig{
			Addr:      "127.0.0.1:8765",
			KeepAlive: 30 * time.Second,
			RateLimit: RateLimitConfig{PerMinute: 30, Burst: 5},
			HTTPLimit: RateLimitConfig{PerMinute: 120, Burst: 20},
		},
		LLM: LLMConfig{
			DefaultProvider: "openai",
			Providers: []ProviderConfig{
				{Name: "openai", Type: "openai", Model: "gpt-4o-mini"},
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Agent: AgentConfig{
			MaxIterations: 10,
			MaxHistory:    50,
		},
		Process: ProcessConfig{
			Shell:       "/bin/sh",
			GracePeriod: 500 * time.Millisecond,
			MaxLines:    10000,
			MaxLive:     16,
		},
		Tools: ToolsConfig{
			CommandTimeout: 5 * time.Minute,
			FindLimit:      50,
		},
		Store: StoreConfig{
			Type: "sqlite",
		},
		WorkspaceIndex: WorkspaceIndexConfig{
			Watch: true,
			Limit: 100,
		},
		Audit: AuditConfig{
			Enabled: true,
			MaxAge:  30 * 24 * time.Hour,
		},
	}
}

// StorePath returns the sqlite file for chat sessions.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.DataDir, "chat.db")
}

// AuditPath returns the audit log file.
func (c *Config) AuditPath() string {
	if c.Audit.Path != "" {
		return c.Audit.Path
	}
	return filepath.Join(c.DataDir, "audit.jsonl")
}

// Provider returns the provider config with the given name.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.LLM.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Load reads a YAML (or, for .toml paths, TOML) config file, applies env var
// overrides, decrypts secrets and validates the result. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := decode(absPath, data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		if err := newIncluder(absPath).apply(cfg, filepath.Dir(absPath), 0); err != nil {
			return nil, err
		}

		// Second pass: the main file takes precedence over its includes.
		if err := decode(absPath, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("CODERELAY_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode unmarshals data onto cfg, choosing the format from the file extension.
func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.Decode(string(data), cfg)
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnvOverrides maps CODERELAY_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CODERELAY_WORKSPACE"); v != "" {
		cfg.Workspace = v
	}
	if v := os.Getenv("CODERELAY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CODERELAY_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CODERELAY_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CODERELAY_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("CODERELAY_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CODERELAY_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("CODERELAY_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("CODERELAY_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens, TokenConfig{Token: v, Name: "env"})
	}
	if v := os.Getenv("CODERELAY_GATEWAY_KEEPALIVE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Gateway.KeepAlive = d
		}
	}
	if v := os.Getenv("CODERELAY_LLM_DEFAULT_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	if v := os.Getenv("CODERELAY_AGENT_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Agent.MaxIterations = n
		}
	}
	if v := os.Getenv("CODERELAY_PROCESS_SHELL"); v != "" {
		cfg.Process.Shell = v
	}
	if v := os.Getenv("CODERELAY_TOOLS_COMMAND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Tools.CommandTimeout = d
		}
	}
	if v := os.Getenv("CODERELAY_TOOLS_RESTRICT_TO_WORKSPACE"); v != "" {
		cfg.Tools.RestrictToWorkspace = v == "true"
	}
	if v := os.Getenv("CODERELAY_STORE_TYPE"); v != "" {
		cfg.Store.Type = v
	}
	if v := os.Getenv("CODERELAY_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CODERELAY_AUDIT_ENABLED"); v != "" {
		cfg.Audit.Enabled = v == "true"
	}
	if v := os.Getenv("CODERELAY_WORKSPACE_INDEX_WATCH"); v != "" {
		cfg.WorkspaceIndex.Watch = v == "true"
	}

	// Per-provider overrides: CODERELAY_LLM_PROVIDER_<NAME>_{API_KEY,MODEL,BASE_URL}
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		prefix := "CODERELAY_LLM_PROVIDER_" + envName(p.Name) + "_"
		if v := os.Getenv(prefix + "API_KEY"); v != "" {
			p.APIKey = v
		}
		if v := os.Getenv(prefix + "MODEL"); v != "" {
			p.Model = v
		}
		if v := os.Getenv(prefix + "BASE_URL"); v != "" {
			p.BaseURL = v
		}
	}
}

// envName upper-cases a provider name and maps '-' and '.' to '_'.
func envName(name string) string {
	return strings.NewReplacer("-", "_", ".", "_").Replace(strings.ToUpper(name))
}

// decryptSecrets finds "enc:..." values in provider API keys and gateway
// tokens and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.LLM.Providers {
		if err := decryptField(&cfg.LLM.Providers[i].APIKey, passphrase); err != nil {
			return fmt.Errorf("provider %s api_key: %w", cfg.LLM.Providers[i].Name, err)
		}
	}
	for i := range cfg.Gateway.Auth.Tokens {
		if err := decryptField(&cfg.Gateway.Auth.Tokens[i].Token, passphrase); err != nil {
			return fmt.Errorf("gateway auth token %s: %w", cfg.Gateway.Auth.Tokens[i].Name, err)
		}
	}
	return nil
}

func decryptField(field *string, passphrase string) error {
	enc, ok := strings.CutPrefix(*field, "enc:")
	if !ok {
		return nil
	}
	plain, err := DecryptValue(enc, passphrase)
	if err != nil {
		return err
	}
	*field = plain
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file is not writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}

package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateAgent(cfg, ve)
	validateLLM(cfg, ve)
	validateProcess(cfg, ve)
	validateTools(cfg, ve)
	validateStore(cfg, ve)
	validateGateway(cfg, ve)
	validateWorkspaceIndex(cfg, ve)
	validateAudit(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var (
	validLogLevels    = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats   = map[string]bool{"text": true, "json": true, "pretty": true}
	validExporters    = map[string]bool{"noop": true, "stdout": true, "stderr": true}
	validProviderType = map[string]bool{"openai": true, "ollama": true}
	validStoreTypes   = map[string]bool{"memory": true, "sqlite": true}
)

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if !validLogFormats[cfg.Logger.Format] {
		ve.Add("logger.format %q is invalid (want: text, json, pretty)", cfg.Logger.Format)
	}
	if cfg.Tracer.Enabled && !validExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout, stderr)", cfg.Tracer.Exporter)
	}
}

func validateAgent(cfg *Config, ve *ValidationError) {
	if cfg.Agent.MaxIterations <= 0 {
		ve.Add("agent.max_iterations must be > 0")
	}
	if cfg.Agent.MaxHistory < 0 {
		ve.Add("agent.max_history must be >= 0")
	}
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.DefaultProvider == "" {
		ve.Add("llm.default_provider must not be empty")
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		ve.Add("llm.temperature must be between 0 and 2")
	}

	seen := make(map[string]bool)
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		if p.Type != "" && !validProviderType[p.Type] {
			ve.Add("llm.providers[%d].type %q is invalid (want: openai, ollama)", i, p.Type)
		}
	}

	if cfg.LLM.DefaultProvider != "" && !seen[cfg.LLM.DefaultProvider] {
		ve.Add("llm.default_provider %q does not match any configured provider", cfg.LLM.DefaultProvider)
	}
	if cfg.LLM.Failover.Enabled {
		for _, name := range cfg.LLM.Failover.Fallbacks {
			if !seen[name] {
				ve.Add("llm.failover.fallbacks: unknown provider %q", name)
			}
		}
	}
	if cb := cfg.LLM.CircuitBreaker; cb.Enabled && cb.MaxFailures == 0 {
		ve.Add("llm.circuit_breaker.max_failures must be > 0 when enabled")
	}
}

func validateProcess(cfg *Config, ve *ValidationError) {
	if cfg.Process.Shell == "" {
		ve.Add("process.shell must not be empty")
	}
	if cfg.Process.GracePeriod < 0 {
		ve.Add("process.grace_period must be >= 0")
	}
	if cfg.Process.MaxLines <= 0 {
		ve.Add("process.max_lines must be > 0")
	}
	if cfg.Process.MaxLive < 0 {
		ve.Add("process.max_live must be >= 0")
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	if cfg.Tools.CommandTimeout <= 0 {
		ve.Add("tools.command_timeout must be > 0")
	}
	if cfg.Tools.FindLimit <= 0 {
		ve.Add("tools.find_limit must be > 0")
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	if !validStoreTypes[cfg.Store.Type] {
		ve.Add("store.type %q is invalid (want: memory, sqlite)", cfg.Store.Type)
	}
	if cfg.Store.Type == "sqlite" && cfg.Store.Path == "" && cfg.DataDir == "" {
		ve.Add("store.path or data_dir is required for the sqlite store")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr must not be empty")
	} else if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
	if cfg.Gateway.KeepAlive < 0 {
		ve.Add("gateway.keepalive must be >= 0")
	}
	validateRate("gateway.rate_limit", cfg.Gateway.RateLimit, ve)
	validateRate("gateway.http_limit", cfg.Gateway.HTTPLimit, ve)
	for i, p := range cfg.Gateway.TrustedProxies {
		if net.ParseIP(p) == nil {
			ve.Add("gateway.trusted_proxies[%d] %q is not an IP address", i, p)
		}
	}
	for i, t := range cfg.Gateway.Auth.Tokens {
		if t.Token == "" {
			ve.Add("gateway.auth.tokens[%d].token must not be empty", i)
		}
	}
}

func validateRate(field string, rl RateLimitConfig, ve *ValidationError) {
	if rl.PerMinute < 0 {
		ve.Add("%s.per_minute must be >= 0", field)
	}
	if rl.PerMinute > 0 && rl.Burst <= 0 {
		ve.Add("%s.burst must be > 0 when rate limiting is on", field)
	}
}

func validateWorkspaceIndex(cfg *Config, ve *ValidationError) {
	if cfg.WorkspaceIndex.Limit <= 0 {
		ve.Add("workspace_index.limit must be > 0")
	}
}

func validateAudit(cfg *Config, ve *ValidationError) {
	if cfg.Audit.MaxAge < 0 {
		ve.Add("audit.max_age must be >= 0")
	}
	if cfg.Audit.Enabled && cfg.Audit.Path == "" && cfg.DataDir == "" {
		ve.Add("audit.path or data_dir is required when audit is enabled")
	}
}

package llm

import (
	"fmt"
	"log/slog"

	"coderelay/internal/domain"
	"coderelay/internal/infra/config"
)

// Build assembles the planner named by cfg.DefaultProvider. Each provider is
// wrapped in its own circuit breaker when enabled, and the configured
// fallbacks are chained behind the default when failover is on.
func Build(cfg config.LLMConfig, logger *slog.Logger) (domain.LLMProvider, error) {
	byName := make(map[string]config.ProviderConfig, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		byName[pc.Name] = pc
	}

	build := func(name string) (domain.LLMProvider, error) {
		pc, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("llm: unknown provider %q", name)
		}
		p, err := NewOpenAIProvider(pc, logger)
		if err != nil {
			return nil, err
		}
		if cfg.CircuitBreaker.Enabled {
			return NewCircuitBreakerProvider(p, cfg.CircuitBreaker, logger), nil
		}
		return p, nil
	}

	primary, err := build(cfg.DefaultProvider)
	if err != nil {
		return nil, err
	}
	if !cfg.Failover.Enabled || len(cfg.Failover.Fallbacks) == 0 {
		return primary, nil
	}

	fallbacks := make([]domain.LLMProvider, 0, len(cfg.Failover.Fallbacks))
	for _, name := range cfg.Failover.Fallbacks {
		if name == cfg.DefaultProvider {
			continue
		}
		fb, err := build(name)
		if err != nil {
			return nil, fmt.Errorf("fallback %q: %w", name, err)
		}
		fallbacks = append(fallbacks, fb)
	}
	return NewFailoverProvider(primary, fallbacks, logger), nil
}

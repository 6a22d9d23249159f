package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxIncludeDepth = 10

// includer layers the fragments named in a config file's includes list onto
// a Config. Fragments may be YAML or TOML and may include further fragments.
type includer struct {
	seen map[string]bool
}

// newIncluder starts an include walk rooted at the main config file, which
// is marked as seen so a fragment cannot pull it back in.
func newIncluder(root string) *includer {
	return &includer{seen: map[string]bool{root: true}}
}

// apply merges every fragment listed in cfg.Includes, resolved against dir.
func (in *includer) apply(cfg *Config, dir string, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}

	patterns := cfg.Includes
	cfg.Includes = nil
	for _, pattern := range patterns {
		files, err := expandInclude(dir, pattern)
		if err != nil {
			return err
		}
		for _, f := range files {
			if err := in.merge(cfg, f, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (in *includer) merge(cfg *Config, file string, depth int) error {
	abs, err := filepath.Abs(file)
	if err != nil {
		return fmt.Errorf("config includes: abs path %q: %w", file, err)
	}
	if in.seen[abs] {
		return fmt.Errorf("config includes: circular include of %q", abs)
	}
	in.seen[abs] = true

	if err := validatePermissions(abs); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", abs, err)
	}
	if len(data) == 0 {
		return nil
	}

	// Only this fragment's own includes should be visible after decoding.
	cfg.Includes = nil
	if err := decode(abs, data, cfg); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", abs, err)
	}
	if len(cfg.Includes) == 0 {
		return nil
	}
	return in.apply(cfg, filepath.Dir(abs), depth)
}

// expandInclude turns an include pattern into concrete files under dir.
// A literal path that does not exist is returned as-is so the read reports
// it; a glob with no matches yields nothing.
func expandInclude(dir, pattern string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(dir, pattern)
	}
	pattern = filepath.Clean(pattern)

	if rel, err := filepath.Rel(dir, pattern); err == nil && strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 && !strings.ContainsAny(pattern, "*?[") {
		return []string{pattern}, nil
	}
	return matches, nil
}

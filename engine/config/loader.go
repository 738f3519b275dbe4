package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces the environment overrides so unrelated process
// variables never leak into the run configuration.
const envPrefix = "CONTENTFLOW_"

// Load builds a RunConfig from defaults, an optional YAML file, and
// environment overrides, in that precedence order (env wins).
//
// Environment variables are the uppercased knob names under the
// CONTENTFLOW_ prefix, e.g. CONTENTFLOW_MAX_ITERATIONS=5 sets
// max_iterations. An empty path skips the file layer entirely.
func Load(path string) (*RunConfig, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// The knob namespace is flat, so the transform is just
	// prefix-strip plus lowercase. Underscores stay as-is.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := DefaultRunConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

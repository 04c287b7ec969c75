// Package config loads server configuration from an optional TOML
// file with environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the root server configuration.
type Config struct {
	Runtime RuntimeConfig `toml:"runtime"`
	Docs    DocsConfig    `toml:"docs"`
}

// RuntimeConfig describes how to launch and poll the analysis runtime.
type RuntimeConfig struct {
	// Command is the executable hosting the Credo runtime.
	Command string `toml:"command"`

	// Args are command-line arguments.
	Args []string `toml:"args"`

	// Env are additional environment variables for the runtime.
	Env map[string]string `toml:"env"`

	// WorkDir overrides the working directory; defaults to the
	// workspace root sent by the client.
	WorkDir string `toml:"work_dir"`

	// PollAttempts is the readiness polling budget.
	PollAttempts int `toml:"poll_attempts"`

	// PollInterval is the delay between readiness probes.
	PollInterval time.Duration `toml:"poll_interval"`
}

// DocsConfig controls check documentation links.
type DocsConfig struct {
	// BaseURL is the documentation host; check pages live at
	// <base>/<check-id>.html.
	BaseURL string `toml:"base_url"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Runtime: RuntimeConfig{
			Command:      "credo-runtime",
			PollAttempts: 120,
			PollInterval: 1 * time.Second,
		},
		Docs: DocsConfig{
			BaseURL: "https://hexdocs.pm/credo",
		},
	}
}

// Load reads configuration from path, layered over defaults. A missing
// file is not an error; environment overrides apply last.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// File doesn't exist, not an error
		case err != nil:
			return cfg, fmt.Errorf("reading config file %s: %w", path, err)
		default:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if cfg.Runtime.PollAttempts <= 0 {
		cfg.Runtime.PollAttempts = 120
	}
	if cfg.Runtime.PollInterval <= 0 {
		cfg.Runtime.PollInterval = 1 * time.Second
	}

	return cfg, nil
}

// applyEnv layers environment variables over the file configuration.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CREDO_LSP_RUNTIME_COMMAND"); v != "" {
		cfg.Runtime.Command = v
	}
	if v := os.Getenv("CREDO_LSP_DOCS_BASE_URL"); v != "" {
		cfg.Docs.BaseURL = v
	}
}

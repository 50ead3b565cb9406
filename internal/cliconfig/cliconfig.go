// Package cliconfig loads the command line client's settings. Precedence:
// flags (applied by the caller) > environment > TOML file > defaults.
package cliconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

// Config holds the client defaults a user rarely wants to repeat per call.
type Config struct {
	Host        string
	Token       string
	Connections int
	Parallel    int
	Retries     int

	ConfigPath string // the file actually loaded, "" when none
}

// fileConfig mirrors the TOML file; pointers distinguish absent keys.
type fileConfig struct {
	Host        *string `toml:"host"`
	Token       *string `toml:"token"`
	Connections *int    `toml:"connections"`
	Parallel    *int    `toml:"parallel"`
	Retries     *int    `toml:"retries"`
}

// CandidatePaths lists the probed config locations in order.
func CandidatePaths(explicit string) []string {
	if explicit != "" {
		return []string{explicit}
	}
	var out []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		out = append(out, filepath.Join(xdg, "serve-cli", "config.toml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		out = append(out,
			filepath.Join(home, ".config", "serve-cli", "config.toml"),
			filepath.Join(home, ".serve-cli.toml"),
		)
	}
	return out
}

// Load resolves the effective client configuration.
func Load(explicitPath string) (*Config, error) {
	cfg := &Config{
		Host:        "localhost:3435",
		Connections: 1,
		Parallel:    1,
		Retries:     10,
	}
	for _, p := range CandidatePaths(explicitPath) {
		data, err := os.ReadFile(p)
		if err != nil {
			if explicitPath != "" {
				return nil, fmt.Errorf("read config %s: %w", p, err)
			}
			continue
		}
		var fc fileConfig
		if err := toml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", p, err)
		}
		cfg.apply(&fc)
		cfg.ConfigPath = p
		break
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) apply(fc *fileConfig) {
	if fc.Host != nil {
		c.Host = *fc.Host
	}
	if fc.Token != nil {
		c.Token = *fc.Token
	}
	if fc.Connections != nil {
		c.Connections = *fc.Connections
	}
	if fc.Parallel != nil {
		c.Parallel = *fc.Parallel
	}
	if fc.Retries != nil {
		c.Retries = *fc.Retries
	}
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("SERVE_CLI_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("SERVE_CLI_TOKEN"); v != "" {
		c.Token = v
	}
	for _, e := range []struct {
		name string
		dst  *int
	}{
		{"SERVE_CLI_CONNECTIONS", &c.Connections},
		{"SERVE_CLI_PARALLEL", &c.Parallel},
		{"SERVE_CLI_RETRIES", &c.Retries},
	} {
		if v := os.Getenv(e.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", e.name, err)
			}
			*e.dst = n
		}
	}
	return nil
}

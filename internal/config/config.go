// Package config loads server settings from a TOML file with environment
// variable overrides. Precedence: flags (applied by the caller) > env >
// file > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Defaults used when neither file nor environment provides a value.
const (
	DefaultPort        = 3435
	DefaultRoot        = "./share"
	DefaultToken       = "abogoboga"
	DefaultMaxFileSize = 4000 * 1024 * 1024
)

func defaultAllowedExt() []string {
	return []string{
		"txt", "pdf", "png", "jpg", "jpeg", "gif", "webp", "svg",
		"mp3", "mp4", "mkv", "webm", "flac", "wav", "ogg",
		"zip", "rar", "7z", "tar", "gz", "xz", "zst",
		"doc", "docx", "xls", "xlsx", "ppt", "pptx",
		"iso", "img", "bin", "apk", "exe", "msi", "deb", "rpm",
	}
}

func defaultBlacklist() []string {
	return []string{".git", ".hg", ".svn", "node_modules", "Thumbs.db", ".DS_Store"}
}

// Config is the fully resolved server configuration.
type Config struct {
	Port        int
	Root        string // absolute after Load
	Token       string
	MaxFileSize int64 // bytes, in-flight upload cap

	// AllowedExt is the lower-cased upload extension allow-list.
	AllowedExt []string
	// AllowNoExt permits uploads without any extension.
	AllowNoExt bool
	// Blacklist contains entry names hidden from listings and lookups.
	Blacklist []string

	ConfigPath string // the file actually loaded, "" when none
}

// fileConfig mirrors the TOML file. Pointer fields distinguish "absent"
// from zero values.
type fileConfig struct {
	Port        *int     `toml:"port"`
	Root        *string  `toml:"root"`
	Token       *string  `toml:"token"`
	MaxFileSize *int64   `toml:"max_file_size"`
	AllowedExt  []string `toml:"allowed_ext"`
	AllowNoExt  *bool    `toml:"allow_no_ext"`
	Blacklist   []string `toml:"blacklist"`
}

// CandidatePaths returns the config file locations probed in order. An
// explicit path, when given, is the only candidate.
func CandidatePaths(explicit string) []string {
	if explicit != "" {
		return []string{explicit}
	}
	var out []string
	out = append(out, "config.toml")
	if exe, err := os.Executable(); err == nil {
		out = append(out, filepath.Join(filepath.Dir(exe), "config.toml"))
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		out = append(out, filepath.Join(xdg, "serve", "config.toml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		out = append(out,
			filepath.Join(home, ".config", "serve", "config.toml"),
			filepath.Join(home, ".serve", "config.toml"),
		)
	}
	return out
}

// Load builds the effective configuration: defaults, then the first config
// file found, then SERVE_* environment variables. Root is made absolute.
func Load(explicitPath string) (*Config, error) {
	cfg := &Config{
		Port:        DefaultPort,
		Root:        DefaultRoot,
		Token:       DefaultToken,
		MaxFileSize: DefaultMaxFileSize,
		AllowedExt:  defaultAllowedExt(),
		Blacklist:   defaultBlacklist(),
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
		cfg.applyFile(&fc)
		cfg.ConfigPath = p
		break
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	cfg.Root = abs
	cfg.AllowedExt = normalizeExtensions(cfg.AllowedExt)
	cfg.Blacklist = normalizeList(cfg.Blacklist)
	return cfg, nil
}

func (c *Config) applyFile(fc *fileConfig) {
	if fc.Port != nil {
		c.Port = *fc.Port
	}
	if fc.Root != nil {
		c.Root = *fc.Root
	}
	if fc.Token != nil {
		c.Token = *fc.Token
	}
	if fc.MaxFileSize != nil {
		c.MaxFileSize = *fc.MaxFileSize
	}
	if fc.AllowedExt != nil {
		c.AllowedExt = fc.AllowedExt
	}
	if fc.AllowNoExt != nil {
		c.AllowNoExt = *fc.AllowNoExt
	}
	if fc.Blacklist != nil {
		c.Blacklist = fc.Blacklist
	}
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("SERVE_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SERVE_PORT: %w", err)
		}
		c.Port = n
	}
	if v := os.Getenv("SERVE_ROOT"); v != "" {
		c.Root = v
	}
	if v := os.Getenv("SERVE_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("SERVE_MAX_FILE_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("SERVE_MAX_FILE_SIZE: %w", err)
		}
		c.MaxFileSize = n
	}
	if v := os.Getenv("SERVE_ALLOWED_EXT"); v != "" {
		c.AllowedExt = strings.Split(v, ",")
	}
	if v := os.Getenv("SERVE_ALLOW_NO_EXT"); v != "" {
		c.AllowNoExt = isTruthy(v)
	}
	if v := os.Getenv("SERVE_BLACKLIST"); v != "" {
		c.Blacklist = strings.Split(v, ",")
	}
	return nil
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "allow":
		return true
	}
	return false
}

func normalizeList(in []string) []string {
	out := in[:0]
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func normalizeExtensions(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), ".")))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ExtAllowed reports whether an upload with the given lower-cased extension
// ("" for none) passes the policy. bypassAll skips the allow-list entirely;
// bypassNoExt only lifts the extension requirement. An empty allow-list
// means no extension filtering at all.
func (c *Config) ExtAllowed(ext string, bypassAll, bypassNoExt bool) bool {
	if bypassAll {
		return true
	}
	if ext == "" {
		return c.AllowNoExt || bypassNoExt
	}
	if len(c.AllowedExt) == 0 {
		return true
	}
	for _, a := range c.AllowedExt {
		if a == ext {
			return true
		}
	}
	return false
}

// Hidden reports whether an entry name is hidden from listings and
// lookups. Dot-prefixed names are always hidden, on top of the configured
// blacklist; this also keeps in-flight ".upload-*" temp files and client
// ".*.tmp" sidecars out of the catalog.
func (c *Config) Hidden(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	for _, b := range c.Blacklist {
		if strings.EqualFold(b, name) {
			return true
		}
	}
	return false
}

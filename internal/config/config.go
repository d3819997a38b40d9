// Package config loads the research CLI settings from a TOML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"deep-research-agent/internal/research"
)

const (
	DefaultPath     = "research.toml"
	DefaultProvider = "openai"
	DefaultDBPath   = "research.db"
)

// DefaultProviderOrder pins OpenRouter to one upstream when no order is
// configured.
var DefaultProviderOrder = []string{"deepinfra"}

// ParseProviderOrder reads a comma separated provider list. An unset value
// yields DefaultProviderOrder; a set but empty value disables routing.
func ParseProviderOrder(raw string, set bool) []string {
	if !set {
		return append([]string(nil), DefaultProviderOrder...)
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type Config struct {
	Provider  string          `toml:"provider"`
	BaseURL   string          `toml:"base_url"`
	Model     string          `toml:"model"`
	Models    research.Models `toml:"models"`
	Research  ResearchLimits  `toml:"research"`
	Routing   ProviderRouting `toml:"routing"`
	DBPath    string          `toml:"db_path"`
	LogLevel  string          `toml:"log_level"`
	Path      string          `toml:"-"`
	Undecoded []string        `toml:"-"`
}

type ResearchLimits struct {
	AllowClarification       *bool `toml:"allow_clarification"`
	MaxResearcherIterations  int   `toml:"max_researcher_iterations"`
	MaxConcurrentResearchers int   `toml:"max_concurrent_researchers"`
	MaxToolCallIterations    int   `toml:"max_tool_call_iterations"`
	MaxSearchResults         int   `toml:"max_search_results"`
	WriterMaxTokens          int   `toml:"writer_max_tokens"`
}

// ProviderRouting pins OpenRouter to specific upstream providers.
type ProviderRouting struct {
	Order          []string `toml:"order"`
	AllowFallbacks bool     `toml:"allow_fallbacks"`
}

// Load reads path. An empty path reads DefaultPath when it exists and
// otherwise returns the defaults.
func Load(path string) (Config, error) {
	resolved := strings.TrimSpace(path)
	optional := resolved == ""
	if optional {
		resolved = DefaultPath
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if optional && errors.Is(err, fs.ErrNotExist) {
		return Config{}.withDefaults(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	meta, err := toml.Decode(string(bytes), &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	for _, key := range meta.Undecoded() {
		cfg.Undecoded = append(cfg.Undecoded, key.String())
	}
	cfg = cfg.withDefaults()
	cfg.Path = resolved
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.Provider == "" {
		c.Provider = DefaultProvider
	}
	if strings.TrimSpace(c.Model) == "" {
		c.Model = research.DefaultModelFor(c.Provider)
	}
	if strings.TrimSpace(c.DBPath) == "" {
		c.DBPath = DefaultDBPath
	}
	// An explicit empty order in the file turns routing off.
	if c.Routing.Order == nil {
		c.Routing.Order = append([]string(nil), DefaultProviderOrder...)
	}
	return c
}

func (c Config) validate() error {
	switch c.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("config: unknown provider %q", c.Provider)
	}
	r := c.Research
	if r.MaxResearcherIterations < 0 || r.MaxConcurrentResearchers < 0 || r.MaxToolCallIterations < 0 || r.MaxSearchResults < 0 || r.WriterMaxTokens < 0 {
		return errors.New("config: research limits must not be negative")
	}
	return nil
}

// ResearchConfig converts the file settings into workflow settings. Unset
// values keep the workflow defaults.
func (c Config) ResearchConfig() research.Config {
	rc := research.DefaultConfig()
	models := c.Models
	fill := func(v string) string {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
		return c.Model
	}
	rc.Models = research.Models{
		Research:      fill(models.Research),
		Summarization: fill(models.Summarization),
		Compression:   fill(models.Compression),
		Supervisor:    fill(models.Supervisor),
		Writer:        fill(models.Writer),
	}
	if c.Research.AllowClarification != nil {
		rc.AllowClarification = *c.Research.AllowClarification
	}
	if v := c.Research.MaxResearcherIterations; v > 0 {
		rc.MaxResearcherIterations = v
	}
	if v := c.Research.MaxConcurrentResearchers; v > 0 {
		rc.MaxConcurrentResearchers = v
	}
	if v := c.Research.MaxToolCallIterations; v > 0 {
		rc.MaxToolCallIterations = v
	}
	if v := c.Research.MaxSearchResults; v > 0 {
		rc.MaxSearchResults = v
	}
	if v := c.Research.WriterMaxTokens; v > 0 {
		rc.WriterMaxTokens = v
	}
	return rc
}

package research

import (
	"strings"
	"time"
)

// DefaultModel is used for every role that is not configured.
const DefaultModel = "openai/gpt-oss-120b"

// DefaultAnthropicModel replaces DefaultModel when calls go to Anthropic.
const DefaultAnthropicModel = "claude-sonnet-4-5"

// DefaultModelFor returns the default model id for a provider name.
func DefaultModelFor(provider string) string {
	if strings.EqualFold(strings.TrimSpace(provider), "anthropic") {
		return DefaultAnthropicModel
	}
	return DefaultModel
}

const (
	defaultMaxResearcherIterations  = 6
	defaultMaxConcurrentResearchers = 3
	defaultMaxToolCallIterations    = 10
	defaultMaxSearchResults         = 3
	defaultWriterMaxTokens          = 64000
)

// Models names the model used for each role in the workflow.
type Models struct {
	Research      string `json:"research" toml:"research"`
	Summarization string `json:"summarization" toml:"summarization"`
	Compression   string `json:"compression" toml:"compression"`
	Supervisor    string `json:"supervisor" toml:"supervisor"`
	Writer        string `json:"writer" toml:"writer"`
}

// DefaultModels assigns model to every role.
func DefaultModels(model string) Models {
	return Models{
		Research:      model,
		Summarization: model,
		Compression:   model,
		Supervisor:    model,
		Writer:        model,
	}
}

// withDefaults fills blank roles from fallback.
func (m Models) withDefaults(fallback string) Models {
	fill := func(s string) string {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
		return fallback
	}
	return Models{
		Research:      fill(m.Research),
		Summarization: fill(m.Summarization),
		Compression:   fill(m.Compression),
		Supervisor:    fill(m.Supervisor),
		Writer:        fill(m.Writer),
	}
}

// Config tunes the workflow. Zero limits and blank models take the defaults.
// AllowClarification has no default; a zero Config skips clarification.
type Config struct {
	Models                   Models
	AllowClarification       bool
	MaxResearcherIterations  int
	MaxConcurrentResearchers int
	MaxToolCallIterations    int
	MaxSearchResults         int
	WriterMaxTokens          int

	// Now is the clock used for prompt dates.
	Now func() time.Time
}

// DefaultConfig returns the production settings with clarification enabled.
func DefaultConfig() Config {
	return Config{
		Models:                   DefaultModels(DefaultModel),
		AllowClarification:       true,
		MaxResearcherIterations:  defaultMaxResearcherIterations,
		MaxConcurrentResearchers: defaultMaxConcurrentResearchers,
		MaxToolCallIterations:    defaultMaxToolCallIterations,
		MaxSearchResults:         defaultMaxSearchResults,
		WriterMaxTokens:          defaultWriterMaxTokens,
		Now:                      time.Now,
	}
}

func (c Config) normalized() Config {
	c.Models = c.Models.withDefaults(DefaultModel)
	if c.MaxResearcherIterations <= 0 {
		c.MaxResearcherIterations = defaultMaxResearcherIterations
	}
	if c.MaxConcurrentResearchers <= 0 {
		c.MaxConcurrentResearchers = defaultMaxConcurrentResearchers
	}
	if c.MaxToolCallIterations <= 0 {
		c.MaxToolCallIterations = defaultMaxToolCallIterations
	}
	if c.MaxSearchResults <= 0 {
		c.MaxSearchResults = defaultMaxSearchResults
	}
	if c.WriterMaxTokens <= 0 {
		c.WriterMaxTokens = defaultWriterMaxTokens
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// today formats the current date the way prompts show it.
func (c Config) today() string {
	return c.Now().Format("Mon Jan 2, 2006")
}

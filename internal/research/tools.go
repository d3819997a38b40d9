package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"deep-research-agent/internal/ctxlog"
	"deep-research-agent/internal/domain"
	"deep-research-agent/internal/integrations/tavily"
	"deep-research-agent/internal/integrations/webpage"
	"deep-research-agent/internal/schema"
	"deep-research-agent/internal/usage"
)

const (
	toolThink            = "think_tool"
	toolSearch           = "tavily_search"
	toolConductResearch  = "ConductResearch"
	toolResearchComplete = "ResearchComplete"

	summarizeConcurrency = 4
	maxFallbackChars     = 4000
	noResultsMessage     = "No valid search results found. Please try different search queries or use a different search API."
)

// Searcher runs a web search.
type Searcher interface {
	Search(ctx context.Context, req tavily.SearchRequest) ([]tavily.Result, error)
}

// PageFetcher downloads page text for results that came back without it.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (webpage.Page, error)
}

type thinkArgs struct {
	Reflection string `json:"reflection" jsonschema:"description=Your reflection on research progress and findings and gaps and next steps"`
}

type searchArgs struct {
	Query      string `json:"query" jsonschema:"description=A single search query to execute"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Maximum number of results to return"`
	Topic      string `json:"topic,omitempty" jsonschema:"enum=general,enum=news,enum=finance,description=Topic to filter results by"`
}

type conductResearchArgs struct {
	ResearchTopic string `json:"research_topic" jsonschema:"description=The topic to research. A single topic described in high detail (at least a paragraph)"`
}

type researchCompleteArgs struct{}

type clarifyOutput struct {
	NeedClarification bool   `json:"need_clarification"`
	Question          string `json:"question"`
	Verification      string `json:"verification"`
}

type briefOutput struct {
	ResearchBrief string `json:"research_brief"`
}

type pageSummary struct {
	Summary     string `json:"summary"`
	KeyExcerpts string `json:"key_excerpts"`
}

var (
	thinkSpec = domain.ToolSpec{
		Name:        toolThink,
		Description: "Strategic reflection tool for research planning. Use it after each search to analyse results and decide next steps.",
		Parameters:  schema.Generate[thinkArgs](),
	}
	searchSpec = domain.ToolSpec{
		Name:        toolSearch,
		Description: "Fetch results from the Tavily search API with content summarisation.",
		Parameters:  schema.Generate[searchArgs](),
	}
	conductResearchSpec = domain.ToolSpec{
		Name:        toolConductResearch,
		Description: "Delegate a research task to a specialised sub-agent.",
		Parameters:  schema.Generate[conductResearchArgs](),
	}
	researchCompleteSpec = domain.ToolSpec{
		Name:        toolResearchComplete,
		Description: "Call this tool to indicate that the research is complete.",
		Parameters:  schema.Generate[researchCompleteArgs](),
	}
)

// think records a reflection. It has no side effects; the value is the
// pause it forces in the model's tool loop.
func think(reflection string) string {
	return "Reflection recorded: " + reflection
}

func decodeArgs[T any](call domain.ToolCall) (T, error) {
	var out T
	raw := call.Arguments
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("invalid arguments for %s: %w", call.Name, err)
	}
	return out, nil
}

type source struct {
	Title   string
	URL     string
	Summary string
}

// search runs one Tavily query and summarises every unique result.
func (a *Agent) search(ctx context.Context, tracker *usage.Tracker, args searchArgs) (string, error) {
	if a.searcher == nil {
		return "", errors.New("search is not configured")
	}
	maxResults := args.MaxResults
	if maxResults <= 0 {
		maxResults = a.cfg.MaxSearchResults
	}
	results, err := a.searcher.Search(ctx, tavily.SearchRequest{
		Query:             args.Query,
		MaxResults:        maxResults,
		Topic:             args.Topic,
		IncludeRawContent: true,
	})
	if err != nil {
		return "", err
	}

	unique := dedupeByURL(results)
	sources := make([]source, len(unique))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(summarizeConcurrency)
	for i, r := range unique {
		g.Go(func() error {
			sources[i] = a.summarizeResult(gctx, tracker, r)
			return nil
		})
	}
	_ = g.Wait()

	return formatSources(sources), nil
}

func dedupeByURL(results []tavily.Result) []tavily.Result {
	seen := make(map[string]bool, len(results))
	out := make([]tavily.Result, 0, len(results))
	for _, r := range results {
		key := strings.TrimSpace(r.URL)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

// summarizeResult never fails: without a usable summary it falls back to
// the raw page text, then to the search snippet.
func (a *Agent) summarizeResult(ctx context.Context, tracker *usage.Tracker, r tavily.Result) source {
	src := source{Title: r.Title, URL: r.URL}
	logger := ctxlog.FromContext(ctx)

	content := strings.TrimSpace(r.RawContent)
	if content == "" && a.fetcher != nil {
		page, err := a.fetcher.Fetch(ctx, r.URL)
		if err != nil {
			logger.Debug("page fetch failed", "url", r.URL, "error", err)
		} else {
			content = strings.TrimSpace(page.Text)
			if src.Title == "" {
				src.Title = page.Title
			}
		}
	}
	if content == "" {
		src.Summary = strings.TrimSpace(r.Content)
		return src
	}

	out, err := completeStructured[pageSummary](ctx, a, tracker, a.cfg.Models.Summarization, "webpage_summary",
		[]domain.ChatMessage{domain.UserMessage(summarizePrompt(content, a.cfg.today()))})
	if err != nil {
		logger.Warn("page summarisation failed", "url", r.URL, "error", err)
		src.Summary = truncate(content, maxFallbackChars)
		return src
	}
	src.Summary = fmt.Sprintf("<summary>\n%s\n</summary>\n\n<key_excerpts>\n%s\n</key_excerpts>", out.Summary, out.KeyExcerpts)
	return src
}

func formatSources(sources []source) string {
	if len(sources) == 0 {
		return noResultsMessage
	}
	var b strings.Builder
	b.WriteString("Search results: \n\n")
	for i, s := range sources {
		fmt.Fprintf(&b, "\n\n--- SOURCE %d: %s ---\n", i+1, s.Title)
		fmt.Fprintf(&b, "URL: %s\n\n", s.URL)
		fmt.Fprintf(&b, "SUMMARY:\n%s\n\n", s.Summary)
		b.WriteString(strings.Repeat("-", 80))
		b.WriteString("\n")
	}
	return b.String()
}

// truncate keeps at most n bytes of s without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

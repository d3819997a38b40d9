package research

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deep-research-agent/internal/domain"
	"deep-research-agent/internal/integrations/tavily"
	"deep-research-agent/internal/usage"
)

func TestThink(t *testing.T) {
	assert.Equal(t, "Reflection recorded: need more data", think("need more data"))
}

func TestToday(t *testing.T) {
	cfg := Config{Now: func() time.Time { return time.Date(2024, 12, 25, 15, 0, 0, 0, time.UTC) }}
	assert.Equal(t, "Wed Dec 25, 2024", cfg.today())
	assert.Contains(t, DefaultConfig().today(), time.Now().Format("2006"))
}

func TestConfigNormalized_ZeroValue(t *testing.T) {
	cfg := Config{}.normalized()
	assert.False(t, cfg.AllowClarification)
	assert.Equal(t, DefaultModels(DefaultModel), cfg.Models)
	assert.Equal(t, defaultMaxResearcherIterations, cfg.MaxResearcherIterations)
	assert.Equal(t, defaultWriterMaxTokens, cfg.WriterMaxTokens)
	assert.NotNil(t, cfg.Now)

	assert.True(t, DefaultConfig().AllowClarification)
	assert.Equal(t, DefaultAnthropicModel, DefaultModelFor(" Anthropic "))
	assert.Equal(t, DefaultModel, DefaultModelFor("openai"))
}

func TestDecodeArgs(t *testing.T) {
	args, err := decodeArgs[searchArgs](domain.ToolCall{Name: toolSearch, Arguments: json.RawMessage(`{"query":"q","topic":"news"}`)})
	require.NoError(t, err)
	assert.Equal(t, searchArgs{Query: "q", Topic: "news"}, args)

	_, err = decodeArgs[searchArgs](domain.ToolCall{Name: toolSearch, Arguments: json.RawMessage(`"{broken"`)})
	require.ErrorContains(t, err, "invalid arguments for tavily_search")

	_, err = decodeArgs[researchCompleteArgs](domain.ToolCall{Name: toolResearchComplete})
	require.NoError(t, err)
}

func TestToolSpecs(t *testing.T) {
	var doc map[string]any
	require.NoError(t, json.Unmarshal(searchSpec.Parameters, &doc))
	props := doc["properties"].(map[string]any)
	assert.Contains(t, props, "query")
	assert.Contains(t, props, "max_results")
	assert.Contains(t, props, "topic")
	assert.Equal(t, []any{"query"}, doc["required"])
}

func TestDedupeByURL(t *testing.T) {
	got := dedupeByURL([]tavily.Result{
		{URL: "https://a"},
		{URL: " https://a "},
		{URL: ""},
		{URL: "https://b"},
	})
	require.Len(t, got, 2)
	assert.Equal(t, "https://b", got[1].URL)
}

func TestFormatSources(t *testing.T) {
	assert.Equal(t, noResultsMessage, formatSources(nil))

	out := formatSources([]source{
		{Title: "One", URL: "https://1", Summary: "s1"},
		{Title: "Two", URL: "https://2", Summary: "s2"},
	})
	assert.True(t, strings.HasPrefix(out, "Search results: \n\n"))
	assert.Contains(t, out, "--- SOURCE 1: One ---\nURL: https://1\n\nSUMMARY:\ns1\n\n")
	assert.Contains(t, out, "--- SOURCE 2: Two ---")
	assert.Equal(t, 2, strings.Count(out, strings.Repeat("-", 80)))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc...", truncate("abcdef", 3))

	// "é" is two bytes; a cut through it backs up to the rune start.
	got := truncate("caféine", 4)
	assert.Equal(t, "caf...", got)
	assert.True(t, utf8.ValidString(got))

	got = truncate(strings.Repeat("日本", 50), 100)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(strings.TrimSuffix(got, "...")), 100)
}

func TestSummarizeResult_Fallbacks(t *testing.T) {
	model := &scriptedModel{}
	a := newTestAgent(t, model, &fakeSearcher{}, testConfig())
	tracker := usage.NewTracker(nil)

	// Invalid structured output three times falls back to the raw page.
	src := a.summarizeResult(context.Background(), tracker, tavily.Result{Title: "T", URL: "https://t", RawContent: "raw body"})
	assert.Equal(t, "raw body", src.Summary)
	assert.Len(t, model.requestsFor("summarize"), structuredAttempts)

	model.summarizeOK = true
	src = a.summarizeResult(context.Background(), tracker, tavily.Result{URL: "https://b"})
	assert.Equal(t, "B page", src.Title)
	assert.Equal(t, "<summary>\nshort\n</summary>\n\n<key_excerpts>\nquote\n</key_excerpts>", src.Summary)

	a.fetcher = nil
	src = a.summarizeResult(context.Background(), tracker, tavily.Result{URL: "https://c", Content: "snippet"})
	assert.Equal(t, "snippet", src.Summary)
}

func TestAnsweredOnly(t *testing.T) {
	msgs := []domain.ChatMessage{
		domain.UserMessage("topic"),
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "a"}}},
		domain.ToolMessage("a", toolThink, "ok"),
		{Role: domain.RoleAssistant, Content: "more", ToolCalls: []domain.ToolCall{{ID: "b"}}},
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "c"}}},
	}
	got := answeredOnly(msgs)
	require.Len(t, got, 4)
	assert.Len(t, got[1].ToolCalls, 1)
	assert.Equal(t, "more", got[3].Content)
	assert.Empty(t, got[3].ToolCalls)
	assert.Len(t, msgs[3].ToolCalls, 1, "input must not be modified")
}

func TestTranscript(t *testing.T) {
	got := transcript([]domain.ChatMessage{
		domain.SystemMessage("ignored"),
		domain.UserMessage(" hi "),
		domain.AssistantMessage(""),
		domain.AssistantMessage("hello"),
		domain.ToolMessage("x", "y", "ignored"),
	})
	assert.Equal(t, "User: hi\nAssistant: hello", got)
}

func TestNotesFromToolMessages(t *testing.T) {
	got := notesFromToolMessages([]domain.ChatMessage{
		domain.ToolMessage("1", toolThink, "Reflection recorded: x"),
		domain.ToolMessage("2", toolConductResearch, "finding"),
		domain.ToolMessage("3", toolConductResearch, "Error: research failed: boom"),
		domain.ToolMessage("4", toolConductResearch, " "),
	})
	assert.Equal(t, []string{"finding"}, got)
}

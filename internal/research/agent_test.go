package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deep-research-agent/internal/domain"
	"deep-research-agent/internal/integrations/tavily"
	"deep-research-agent/internal/integrations/webpage"
	"deep-research-agent/internal/usage"
)

// scriptedModel answers by role, identified by model name, so concurrent
// researchers can share it.
type scriptedModel struct {
	mu sync.Mutex

	clarify     string
	supervisor  func(call int, req domain.ChatRequest) domain.ChatMessage
	failTopic   string
	failModel   string
	summarizeOK bool

	supervisorCalls int
	requests        []domain.ChatRequest
}

func (m *scriptedModel) Complete(_ context.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if req.Model == m.failModel {
		return domain.ChatResponse{}, errUpstream
	}

	reply := func(msg domain.ChatMessage) (domain.ChatResponse, error) {
		msg.Role = domain.RoleAssistant
		return domain.ChatResponse{Message: msg, Model: req.Model, Usage: domain.Usage{InputTokens: 10, OutputTokens: 5}}, nil
	}
	text := func(s string) (domain.ChatResponse, error) { return reply(domain.ChatMessage{Content: s}) }

	switch req.Model {
	case "research":
		if req.Output != nil {
			switch req.Output.Name {
			case "clarify_with_user":
				return text(m.clarify)
			case "research_question":
				return text(`{"research_brief":"Compare ocean tide models."}`)
			}
			return domain.ChatResponse{}, fmt.Errorf("unexpected schema %s", req.Output.Name)
		}
		topic := firstUser(req.Messages)
		if topic == m.failTopic {
			return domain.ChatResponse{}, errors.New("researcher exploded")
		}
		if req.Messages[len(req.Messages)-1].Role == domain.RoleUser {
			return reply(domain.ChatMessage{ToolCalls: []domain.ToolCall{
				{ID: "s-" + topic, Name: toolSearch, Arguments: json.RawMessage(fmt.Sprintf(`{"query":%q}`, topic))},
				{ID: "t-" + topic, Name: toolThink, Arguments: json.RawMessage(`{"reflection":"enough"}`)},
			}})
		}
		return text("Done researching " + topic)
	case "summarize":
		if !m.summarizeOK {
			return text("not json")
		}
		return text(`{"summary":"short","key_excerpts":"quote"}`)
	case "compress":
		return text("Findings on " + firstUser(req.Messages[1:]))
	case "supervisor":
		m.mu.Lock()
		m.supervisorCalls++
		call := m.supervisorCalls
		m.mu.Unlock()
		return reply(m.supervisor(call, req))
	case "writer":
		return text("# Tide Report\n\nBody.")
	}
	return domain.ChatResponse{}, fmt.Errorf("unexpected model %q", req.Model)
}

func (m *scriptedModel) requestsFor(model string) []domain.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ChatRequest
	for _, r := range m.requests {
		if r.Model == model {
			out = append(out, r)
		}
	}
	return out
}

var errUpstream = errors.New("upstream 503")

func firstUser(msgs []domain.ChatMessage) string {
	for _, m := range msgs {
		if m.Role == domain.RoleUser {
			return m.Content
		}
	}
	return ""
}

type fakeSearcher struct {
	mu       sync.Mutex
	requests []tavily.SearchRequest
	err      error
}

func (f *fakeSearcher) Search(_ context.Context, req tavily.SearchRequest) ([]tavily.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return []tavily.Result{
		{Title: "A", URL: "https://a.example", Content: "snippet a", RawContent: "raw a"},
		{Title: "A again", URL: "https://a.example", Content: "dup"},
		{Title: "", URL: "https://b.example", Content: "snippet b"},
	}, nil
}

type fakeFetcher struct{}

func (fakeFetcher) Fetch(_ context.Context, url string) (webpage.Page, error) {
	return webpage.Page{URL: url, Title: "B page", Text: "fetched b"}, nil
}

func testConfig() Config {
	return Config{
		Models: Models{
			Research:      "research",
			Summarization: "summarize",
			Compression:   "compress",
			Supervisor:    "supervisor",
			Writer:        "writer",
		},
		AllowClarification:       true,
		MaxResearcherIterations:  3,
		MaxConcurrentResearchers: 2,
		Now:                      func() time.Time { return time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC) },
	}
}

func toolCall(id, name, args string) domain.ToolCall {
	return domain.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

// twoTopicsThenDone delegates two topics, then finishes.
func twoTopicsThenDone(call int, _ domain.ChatRequest) domain.ChatMessage {
	if call == 1 {
		return domain.ChatMessage{ToolCalls: []domain.ToolCall{
			toolCall("c0", toolThink, `{"reflection":"split by model"}`),
			toolCall("c1", toolConductResearch, `{"research_topic":"tides-alpha"}`),
			toolCall("c2", toolConductResearch, `{"research_topic":"tides-beta"}`),
		}}
	}
	return domain.ChatMessage{ToolCalls: []domain.ToolCall{toolCall("c3", toolResearchComplete, `{}`)}}
}

func newTestAgent(t *testing.T, model *scriptedModel, searcher Searcher, cfg Config) *Agent {
	t.Helper()
	a, err := New(model, searcher, cfg,
		WithFetcher(fakeFetcher{}),
		WithPricing(map[string]usage.ModelPricing{
			"writer": {InputPerMTok: decimal.NewFromInt(1), OutputPerMTok: decimal.NewFromInt(2)},
		}),
	)
	require.NoError(t, err)
	return a
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, &fakeSearcher{}, Config{})
	require.ErrorContains(t, err, "chat model")

	_, err = New(&scriptedModel{}, nil, Config{})
	require.ErrorContains(t, err, "searcher")

	a, err := New(&scriptedModel{}, &fakeSearcher{}, Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultModels(DefaultModel), a.Config().Models)
	assert.Equal(t, 6, a.Config().MaxResearcherIterations)
	assert.Equal(t, 3, a.Config().MaxConcurrentResearchers)
	assert.Equal(t, 10, a.Config().MaxToolCallIterations)
}

func TestAgent_Invoke_FullRun(t *testing.T) {
	model := &scriptedModel{
		clarify:     `{"need_clarification":false,"question":"","verification":"Starting research on tide models."}`,
		supervisor:  twoTopicsThenDone,
		summarizeOK: true,
	}
	searcher := &fakeSearcher{}
	a := newTestAgent(t, model, searcher, testConfig())

	st, err := a.Invoke(context.Background(), Input{Messages: []domain.ChatMessage{domain.UserMessage("Compare tide models")}})
	require.NoError(t, err)

	assert.Equal(t, "Compare ocean tide models.", st.ResearchBrief)
	assert.False(t, st.NeedsClarification)
	assert.Equal(t, "# Tide Report\n\nBody.", st.FinalReport)
	assert.Equal(t, 2, st.ResearchIterations)
	assert.Equal(t, []string{"Findings on tides-alpha", "Findings on tides-beta"}, st.Notes)
	require.Len(t, st.RawNotes, 2)
	assert.Contains(t, st.RawNotes[0], "--- SOURCE 1: A ---")

	wantMessages := []domain.ChatMessage{
		domain.UserMessage("Compare tide models"),
		domain.AssistantMessage("Starting research on tide models."),
		domain.AssistantMessage("# Tide Report\n\nBody."),
	}
	if diff := cmp.Diff(wantMessages, st.Messages); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}

	// system prompt, brief, round one, its three replies in call order, round two
	require.Len(t, st.SupervisorMessages, 7)
	replies := st.SupervisorMessages[3:6]
	assert.Equal(t, "Reflection recorded: split by model", replies[0].Content)
	assert.Equal(t, "c1", replies[1].ToolCallID)
	assert.Equal(t, "Findings on tides-alpha", replies[1].Content)
	assert.Equal(t, "Findings on tides-beta", replies[2].Content)

	// Each researcher: two tool loop calls, two page summaries, one compression.
	assert.Equal(t, 15, st.Usage.Calls)
	assert.Equal(t, 150, st.Usage.InputTokens)
	assert.True(t, decimal.RequireFromString("0.00002").Equal(st.Usage.Cost), "cost %s", st.Usage.Cost)

	require.Len(t, searcher.requests, 2)
	assert.True(t, searcher.requests[0].IncludeRawContent)
	assert.Equal(t, defaultMaxSearchResults, searcher.requests[0].MaxResults)

	writer := model.requestsFor("writer")
	require.Len(t, writer, 1)
	assert.Contains(t, writer[0].Messages[0].Content, "Findings on tides-alpha\nFindings on tides-beta")
	assert.Contains(t, writer[0].Messages[0].Content, "Tue Mar 4, 2025")
	require.NotNil(t, writer[0].Temperature)
	assert.Equal(t, 0.0, *writer[0].Temperature)
	assert.Equal(t, defaultWriterMaxTokens, writer[0].MaxTokens)
}

func TestAgent_Invoke_NeedsClarification(t *testing.T) {
	model := &scriptedModel{
		clarify:    `{"need_clarification":true,"question":"Which coastline?","verification":""}`,
		supervisor: twoTopicsThenDone,
	}
	a := newTestAgent(t, model, &fakeSearcher{}, testConfig())

	st, err := a.Invoke(context.Background(), Input{Messages: []domain.ChatMessage{domain.UserMessage("tides")}})
	require.NoError(t, err)
	assert.True(t, st.NeedsClarification)
	assert.Equal(t, "Which coastline?", st.ClarifyingQuestion)
	assert.Empty(t, st.ResearchBrief)
	assert.Empty(t, st.FinalReport)
	assert.Equal(t, domain.AssistantMessage("Which coastline?"), st.Messages[len(st.Messages)-1])
	assert.Equal(t, 1, st.Usage.Calls)
	assert.Empty(t, model.requestsFor("supervisor"))
}

func TestAgent_Invoke_ClarificationDisabled(t *testing.T) {
	model := &scriptedModel{supervisor: twoTopicsThenDone, summarizeOK: true}
	cfg := testConfig()
	cfg.AllowClarification = false
	a := newTestAgent(t, model, &fakeSearcher{}, cfg)

	st, err := a.Invoke(context.Background(), Input{Messages: []domain.ChatMessage{domain.UserMessage("tides")}})
	require.NoError(t, err)
	assert.NotEmpty(t, st.FinalReport)
	for _, r := range model.requestsFor("research") {
		if r.Output != nil {
			assert.NotEqual(t, "clarify_with_user", r.Output.Name)
		}
	}
}

func TestAgent_InvokeAsync(t *testing.T) {
	model := &scriptedModel{
		clarify:     `{"need_clarification":false,"question":"","verification":"ok"}`,
		supervisor:  twoTopicsThenDone,
		summarizeOK: true,
	}
	a := newTestAgent(t, model, &fakeSearcher{}, testConfig())

	ch := a.InvokeAsync(context.Background(), Input{Messages: []domain.ChatMessage{domain.UserMessage("tides")}})
	res, ok := <-ch
	require.True(t, ok)
	require.NoError(t, res.Err)
	assert.NotEmpty(t, res.State.FinalReport)

	_, ok = <-ch
	assert.False(t, ok, "channel should be closed after one result")
}

func TestAgent_Invoke_RejectsInput(t *testing.T) {
	a := newTestAgent(t, &scriptedModel{}, &fakeSearcher{}, testConfig())

	for _, msgs := range [][]domain.ChatMessage{
		nil,
		{domain.UserMessage("   ")},
		{domain.UserMessage("q"), domain.AssistantMessage("a")},
	} {
		_, err := a.Invoke(context.Background(), Input{Messages: msgs})
		require.ErrorIs(t, err, ErrNoUserMessage)
	}
}

func TestAgent_Invoke_PropagatesModelError(t *testing.T) {
	model := &scriptedModel{
		clarify:   `{"need_clarification":false,"question":"","verification":"ok"}`,
		failModel: "writer",
		supervisor: func(int, domain.ChatRequest) domain.ChatMessage {
			return domain.ChatMessage{Content: "nothing to do"}
		},
	}
	a := newTestAgent(t, model, &fakeSearcher{}, testConfig())

	_, err := a.Invoke(context.Background(), Input{Messages: []domain.ChatMessage{domain.UserMessage("tides")}})
	require.ErrorIs(t, err, errUpstream)
	require.ErrorContains(t, err, "final report")
}

func TestSupervisor_OverflowAndFailures(t *testing.T) {
	model := &scriptedModel{
		clarify:   `{"need_clarification":false,"question":"","verification":"ok"}`,
		failTopic: "bad-topic",
		supervisor: func(call int, _ domain.ChatRequest) domain.ChatMessage {
			if call == 1 {
				return domain.ChatMessage{ToolCalls: []domain.ToolCall{
					toolCall("r1", toolConductResearch, `{"research_topic":"good-topic"}`),
					toolCall("r2", toolConductResearch, `{"research_topic":"bad-topic"}`),
					toolCall("r3", toolConductResearch, `{"research_topic":"third-topic"}`),
					toolCall("r4", "mystery", `{}`),
				}}
			}
			return domain.ChatMessage{ToolCalls: []domain.ToolCall{toolCall("done", toolResearchComplete, `{}`)}}
		},
	}
	a := newTestAgent(t, model, &fakeSearcher{}, testConfig())

	st, err := a.Invoke(context.Background(), Input{Messages: []domain.ChatMessage{domain.UserMessage("tides")}})
	require.NoError(t, err)

	replies := map[string]string{}
	for _, m := range st.SupervisorMessages {
		if m.Role == domain.RoleTool {
			replies[m.ToolCallID] = m.Content
		}
	}
	require.Len(t, replies, 4)
	assert.Equal(t, "Findings on good-topic", replies["r1"])
	assert.True(t, strings.HasPrefix(replies["r2"], "Error: research failed:"), replies["r2"])
	assert.Contains(t, replies["r3"], "2 or fewer research units")
	assert.Contains(t, replies["r4"], "unknown tool")

	assert.Equal(t, []string{"Findings on good-topic"}, st.Notes)
	assert.NotEmpty(t, st.FinalReport)
}

func TestSupervisor_StopsAtIterationLimit(t *testing.T) {
	model := &scriptedModel{
		clarify: `{"need_clarification":false,"question":"","verification":"ok"}`,
		supervisor: func(call int, _ domain.ChatRequest) domain.ChatMessage {
			return domain.ChatMessage{ToolCalls: []domain.ToolCall{
				toolCall(fmt.Sprintf("t%d", call), toolThink, `{"reflection":"still thinking"}`),
			}}
		},
	}
	a := newTestAgent(t, model, &fakeSearcher{}, testConfig())

	st, err := a.Invoke(context.Background(), Input{Messages: []domain.ChatMessage{domain.UserMessage("tides")}})
	require.NoError(t, err)
	assert.Equal(t, 4, st.ResearchIterations)
	assert.Len(t, model.requestsFor("supervisor"), 4)
	assert.Empty(t, st.Notes)
	assert.NotEmpty(t, st.FinalReport)
}

func TestResearcher_SearchFailureBecomesToolMessage(t *testing.T) {
	model := &scriptedModel{}
	a := newTestAgent(t, model, &fakeSearcher{err: errors.New("tavily down")}, testConfig())

	rs, err := a.researcher.Invoke(context.Background(), &researcherState{
		Topic:    "tides",
		Messages: []domain.ChatMessage{domain.UserMessage("tides")},
		tracker:  usage.NewTracker(nil),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rs.ToolIterations)
	assert.Equal(t, "Findings on tides", rs.Compressed)
	require.Len(t, rs.RawNotes, 1)
	assert.Contains(t, rs.RawNotes[0], "Error: search failed: tavily down")
	assert.Contains(t, rs.RawNotes[0], "Reflection recorded: enough")
}

package research

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallnest/langgraphgo/graph"

	"deep-research-agent/internal/ctxlog"
	"deep-research-agent/internal/domain"
)

const (
	nodeLLMCall  = "llm_call"
	nodeToolNode = "tool_node"
	nodeCompress = "compress_research"
)

// buildResearcher compiles the search loop one sub-researcher runs for a
// single topic.
func (a *Agent) buildResearcher() (*graph.StateRunnable[*researcherState], error) {
	g := graph.NewStateGraph[*researcherState]()

	g.AddNode(nodeLLMCall, "Decides the next search or reflection", traced(nodeLLMCall, a.researcherLLMCall))
	g.AddNode(nodeToolNode, "Executes search and think tool calls", traced(nodeToolNode, a.researcherTools))
	g.AddNode(nodeCompress, "Compresses findings for the supervisor", traced(nodeCompress, a.compressResearch))

	g.SetEntryPoint(nodeLLMCall)
	g.AddConditionalEdge(nodeLLMCall, a.routeResearcher)
	g.AddEdge(nodeToolNode, nodeLLMCall)
	g.AddEdge(nodeCompress, graph.END)

	return g.Compile()
}

func (a *Agent) researcherLLMCall(ctx context.Context, s *researcherState) (*researcherState, error) {
	msgs := make([]domain.ChatMessage, 0, len(s.Messages)+1)
	msgs = append(msgs, domain.SystemMessage(researcherPrompt(a.cfg.today(), a.cfg.MaxToolCallIterations)))
	msgs = append(msgs, s.Messages...)

	resp, err := a.complete(ctx, s.tracker, domain.ChatRequest{
		Model:    a.cfg.Models.Research,
		Messages: msgs,
		Tools:    []domain.ToolSpec{searchSpec, thinkSpec},
	})
	if err != nil {
		return s, fmt.Errorf("research: researcher call: %w", err)
	}
	s.Messages = append(s.Messages, resp.Message)
	return s, nil
}

func (a *Agent) routeResearcher(_ context.Context, s *researcherState) string {
	last, ok := lastMessage(s.Messages)
	if ok && len(last.ToolCalls) > 0 && s.ToolIterations < a.cfg.MaxToolCallIterations {
		return nodeToolNode
	}
	return nodeCompress
}

// researcherTools runs each tool call in order. Tool failures become tool
// messages so the model can react to them.
func (a *Agent) researcherTools(ctx context.Context, s *researcherState) (*researcherState, error) {
	last, _ := lastMessage(s.Messages)
	s.ToolIterations++

	for _, call := range last.ToolCalls {
		s.Messages = append(s.Messages, domain.ToolMessage(call.ID, call.Name, a.runResearcherTool(ctx, s, call)))
	}
	return s, nil
}

func (a *Agent) runResearcherTool(ctx context.Context, s *researcherState, call domain.ToolCall) string {
	logger := ctxlog.FromContext(ctx).With("tool", call.Name)
	switch call.Name {
	case toolThink:
		args, err := decodeArgs[thinkArgs](call)
		if err != nil {
			return "Error: " + err.Error()
		}
		return think(args.Reflection)
	case toolSearch:
		args, err := decodeArgs[searchArgs](call)
		if err != nil {
			return "Error: " + err.Error()
		}
		logger.Info("web search", "query", args.Query)
		out, err := a.search(ctx, s.tracker, args)
		if err != nil {
			logger.Warn("web search failed", "error", err)
			return "Error: search failed: " + err.Error()
		}
		return out
	default:
		return fmt.Sprintf("Error: unknown tool %q", call.Name)
	}
}

// compressResearch rewrites the researcher's conversation into one cleaned
// up findings document and keeps the raw tool and model text alongside.
func (a *Agent) compressResearch(ctx context.Context, s *researcherState) (*researcherState, error) {
	history := answeredOnly(s.Messages)
	msgs := make([]domain.ChatMessage, 0, len(history)+2)
	msgs = append(msgs, domain.SystemMessage(compressSystemPrompt(a.cfg.today())))
	msgs = append(msgs, history...)
	msgs = append(msgs, domain.UserMessage(compressUserMessage(s.Topic)))

	resp, err := a.complete(ctx, s.tracker, domain.ChatRequest{
		Model:    a.cfg.Models.Compression,
		Messages: msgs,
	})
	if err != nil {
		return s, fmt.Errorf("research: compress research: %w", err)
	}
	s.Compressed = strings.TrimSpace(resp.Message.Content)

	var raw []string
	for _, m := range s.Messages {
		if (m.Role == domain.RoleTool || m.Role == domain.RoleAssistant) && strings.TrimSpace(m.Content) != "" {
			raw = append(raw, m.Content)
		}
	}
	s.RawNotes = append(s.RawNotes, strings.Join(raw, "\n"))
	return s, nil
}

// answeredOnly drops tool calls that never received a result, which happens
// when the tool loop stops at its iteration limit. Providers reject a
// conversation with unanswered calls.
func answeredOnly(msgs []domain.ChatMessage) []domain.ChatMessage {
	answered := make(map[string]bool)
	for _, m := range msgs {
		if m.Role == domain.RoleTool {
			answered[m.ToolCallID] = true
		}
	}

	out := make([]domain.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == domain.RoleAssistant && len(m.ToolCalls) > 0 {
			var calls []domain.ToolCall
			for _, c := range m.ToolCalls {
				if answered[c.ID] {
					calls = append(calls, c)
				}
			}
			m.ToolCalls = calls
			if len(calls) == 0 && strings.TrimSpace(m.Content) == "" {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

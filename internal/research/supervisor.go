package research

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallnest/langgraphgo/graph"
	"golang.org/x/sync/errgroup"

	"deep-research-agent/internal/ctxlog"
	"deep-research-agent/internal/domain"
	"deep-research-agent/internal/usage"
)

const (
	nodeSupervisor      = "supervisor"
	nodeSupervisorTools = "supervisor_tools"
)

func (a *Agent) buildSupervisor() (*graph.StateRunnable[*supervisorState], error) {
	g := graph.NewStateGraph[*supervisorState]()

	g.AddNode(nodeSupervisor, "Plans research and delegates topics", traced(nodeSupervisor, a.supervise))
	g.AddNode(nodeSupervisorTools, "Runs delegated researchers in parallel", traced(nodeSupervisorTools, a.supervisorTools))

	g.SetEntryPoint(nodeSupervisor)
	g.AddEdge(nodeSupervisor, nodeSupervisorTools)
	g.AddConditionalEdge(nodeSupervisorTools, func(_ context.Context, s *supervisorState) string {
		if s.Done {
			return graph.END
		}
		return nodeSupervisor
	})

	return g.Compile()
}

// runSupervisor is the top-level node wrapping the supervisor subgraph.
func (a *Agent) runSupervisor(ctx context.Context, s *State) (*State, error) {
	sub := &supervisorState{
		Brief:    s.ResearchBrief,
		Messages: s.SupervisorMessages,
		tracker:  s.tracker,
	}
	out, err := a.supervisor.Invoke(ctx, sub)
	if out == nil {
		out = sub
	}
	if out.failure != nil {
		return s, out.failure
	}
	if err != nil {
		return s, fmt.Errorf("research: supervisor: %w", err)
	}

	s.SupervisorMessages = out.Messages
	s.ResearchIterations = out.Iterations
	s.Notes = append(s.Notes, out.Notes...)
	s.RawNotes = append(s.RawNotes, out.RawNotes...)
	return s, nil
}

func (a *Agent) supervise(ctx context.Context, s *supervisorState) (*supervisorState, error) {
	resp, err := a.complete(ctx, s.tracker, domain.ChatRequest{
		Model:    a.cfg.Models.Supervisor,
		Messages: s.Messages,
		Tools:    []domain.ToolSpec{conductResearchSpec, researchCompleteSpec, thinkSpec},
	})
	if err != nil {
		return s, fmt.Errorf("research: supervisor call: %w", err)
	}
	s.Messages = append(s.Messages, resp.Message)
	s.Iterations++
	return s, nil
}

// supervisorTools either finishes the supervisor loop or answers every tool
// call of the latest supervisor message.
func (a *Agent) supervisorTools(ctx context.Context, s *supervisorState) (*supervisorState, error) {
	logger := ctxlog.FromContext(ctx)
	last, _ := lastMessage(s.Messages)

	complete := false
	for _, call := range last.ToolCalls {
		if call.Name == toolResearchComplete {
			complete = true
		}
	}
	if s.Iterations > a.cfg.MaxResearcherIterations || len(last.ToolCalls) == 0 || complete {
		logger.Info("supervisor finished",
			"iterations", s.Iterations,
			"research_complete", complete,
			"iteration_limit", s.Iterations > a.cfg.MaxResearcherIterations,
		)
		s.Done = true
		s.Notes = notesFromToolMessages(s.Messages)
		return s, nil
	}

	replies := make([]domain.ChatMessage, len(last.ToolCalls))
	var research []int
	for i, call := range last.ToolCalls {
		switch call.Name {
		case toolThink:
			args, err := decodeArgs[thinkArgs](call)
			if err != nil {
				replies[i] = domain.ToolMessage(call.ID, call.Name, "Error: "+err.Error())
				continue
			}
			replies[i] = domain.ToolMessage(call.ID, call.Name, think(args.Reflection))
		case toolConductResearch:
			research = append(research, i)
		default:
			replies[i] = domain.ToolMessage(call.ID, call.Name, fmt.Sprintf("Error: unknown tool %q", call.Name))
		}
	}

	limit := a.cfg.MaxConcurrentResearchers
	allowed, overflow := research, []int(nil)
	if len(research) > limit {
		allowed, overflow = research[:limit], research[limit:]
	}
	for _, i := range overflow {
		call := last.ToolCalls[i]
		replies[i] = domain.ToolMessage(call.ID, call.Name, fmt.Sprintf(
			"Error: did not run this research as you have already exceeded the maximum number of concurrent research units. Please try again with %d or fewer research units.",
			limit))
	}

	if len(allowed) > 0 {
		logger.Info("dispatching researchers", "count", len(allowed), "dropped", len(overflow), "iteration", s.Iterations)
	}
	outcomes := make([]researchOutcome, len(allowed))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for n, i := range allowed {
		call := last.ToolCalls[i]
		g.Go(func() error {
			outcomes[n] = a.conductResearch(gctx, s.tracker, call)
			return nil
		})
	}
	_ = g.Wait()

	for n, i := range allowed {
		call := last.ToolCalls[i]
		replies[i] = domain.ToolMessage(call.ID, call.Name, outcomes[n].content)
		if outcomes[n].raw != "" {
			s.RawNotes = append(s.RawNotes, outcomes[n].raw)
		}
	}

	s.Messages = append(s.Messages, replies...)
	return s, nil
}

type researchOutcome struct {
	content string
	raw     string
}

// conductResearch runs one researcher subgraph. Failures are reported back
// to the supervisor as the tool result instead of aborting the round.
func (a *Agent) conductResearch(ctx context.Context, tracker *usage.Tracker, call domain.ToolCall) researchOutcome {
	args, err := decodeArgs[conductResearchArgs](call)
	if err != nil {
		return researchOutcome{content: "Error: " + err.Error()}
	}
	topic := strings.TrimSpace(args.ResearchTopic)
	if topic == "" {
		return researchOutcome{content: "Error: research_topic must not be empty"}
	}

	ctx = ctxlog.With(ctx, "tool_call_id", call.ID)
	logger := ctxlog.FromContext(ctx)
	logger.Info("researcher started", "topic", truncate(topic, 120))

	rs := &researcherState{
		Topic:    topic,
		Messages: []domain.ChatMessage{domain.UserMessage(topic)},
		tracker:  tracker,
	}
	out, err := a.researcher.Invoke(ctx, rs)
	if out == nil {
		out = rs
	}
	if out.failure != nil {
		err = out.failure
	}
	if err != nil {
		logger.Warn("researcher failed", "error", err)
		return researchOutcome{content: "Error: research failed: " + err.Error()}
	}

	logger.Info("researcher finished", "tool_iterations", out.ToolIterations)
	return researchOutcome{
		content: out.Compressed,
		raw:     strings.Join(out.RawNotes, "\n"),
	}
}

// notesFromToolMessages collects the compressed findings returned by
// researchers. Reflections and error replies are not findings.
func notesFromToolMessages(msgs []domain.ChatMessage) []string {
	var notes []string
	for _, m := range msgs {
		if m.Role != domain.RoleTool || m.Name != toolConductResearch {
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" || strings.HasPrefix(content, "Error:") {
			continue
		}
		notes = append(notes, content)
	}
	return notes
}

// Package research runs the deep research workflow: clarify the request,
// write a research brief, let a supervisor delegate topics to parallel
// researchers, then write the final report.
package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallnest/langgraphgo/graph"

	"deep-research-agent/internal/ctxlog"
	"deep-research-agent/internal/domain"
	"deep-research-agent/internal/usage"
)

const (
	nodeClarify     = "clarify_with_user"
	nodeWriteBrief  = "write_research_brief"
	nodeSupervise   = "supervisor_subgraph"
	nodeFinalReport = "final_report_generation"

	endNode = graph.END
)

// ErrNoUserMessage is returned when the input does not end with a user turn.
var ErrNoUserMessage = errors.New("research: input must end with a non-empty user message")

// Agent is a compiled research workflow. It is safe for concurrent use.
type Agent struct {
	model    ChatModel
	searcher Searcher
	fetcher  PageFetcher
	pricing  map[string]usage.ModelPricing
	cfg      Config

	graph      *graph.StateRunnable[*State]
	supervisor *graph.StateRunnable[*supervisorState]
	researcher *graph.StateRunnable[*researcherState]
}

type Option func(*Agent)

// WithFetcher sets the page fetcher used when search results lack content.
func WithFetcher(f PageFetcher) Option {
	return func(a *Agent) {
		a.fetcher = f
	}
}

// WithPricing overrides the price table used for cost accounting.
func WithPricing(p map[string]usage.ModelPricing) Option {
	return func(a *Agent) {
		a.pricing = p
	}
}

// New compiles the workflow graphs.
func New(model ChatModel, searcher Searcher, cfg Config, opts ...Option) (*Agent, error) {
	if model == nil {
		return nil, errors.New("research: chat model must not be nil")
	}
	if searcher == nil {
		return nil, errors.New("research: searcher must not be nil")
	}
	a := &Agent{
		model:    model,
		searcher: searcher,
		cfg:      cfg.normalized(),
	}
	for _, opt := range opts {
		opt(a)
	}

	var err error
	if a.researcher, err = a.buildResearcher(); err != nil {
		return nil, fmt.Errorf("research: compile researcher graph: %w", err)
	}
	if a.supervisor, err = a.buildSupervisor(); err != nil {
		return nil, fmt.Errorf("research: compile supervisor graph: %w", err)
	}
	if a.graph, err = a.buildGraph(); err != nil {
		return nil, fmt.Errorf("research: compile workflow graph: %w", err)
	}
	return a, nil
}

func (a *Agent) buildGraph() (*graph.StateRunnable[*State], error) {
	g := graph.NewStateGraph[*State]()

	g.AddNode(nodeClarify, "Asks a clarifying question when the request is ambiguous", traced(nodeClarify, a.clarifyWithUser))
	g.AddNode(nodeWriteBrief, "Turns the conversation into a research brief", traced(nodeWriteBrief, a.writeResearchBrief))
	g.AddNode(nodeSupervise, "Delegates research to parallel researchers", traced(nodeSupervise, a.runSupervisor))
	g.AddNode(nodeFinalReport, "Writes the final report from the notes", traced(nodeFinalReport, a.finalReportGeneration))

	g.SetEntryPoint(nodeClarify)
	g.AddConditionalEdge(nodeClarify, a.routeAfterClarify)
	g.AddEdge(nodeWriteBrief, nodeSupervise)
	g.AddEdge(nodeSupervise, nodeFinalReport)
	g.AddEdge(nodeFinalReport, graph.END)

	return g.Compile()
}

// Config returns the effective configuration.
func (a *Agent) Config() Config {
	return a.cfg
}

// Invoke runs the workflow to completion. The returned state either needs
// clarification (ClarifyingQuestion set) or holds the final report.
func (a *Agent) Invoke(ctx context.Context, in Input) (*State, error) {
	last, ok := lastMessage(in.Messages)
	if !ok || last.Role != domain.RoleUser || strings.TrimSpace(last.Content) == "" {
		return nil, ErrNoUserMessage
	}

	st := &State{
		Messages: append([]domain.ChatMessage(nil), in.Messages...),
		tracker:  usage.NewTracker(a.pricing),
	}

	logger := ctxlog.FromContext(ctx)
	start := time.Now()
	out, err := a.graph.Invoke(ctx, st)
	if out != nil {
		st = out
	}
	st.Usage = st.tracker.Summary()

	if st.failure != nil {
		err = st.failure
	} else if err != nil {
		err = fmt.Errorf("research: run workflow: %w", err)
	}
	if err != nil {
		logger.Error("research run failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return nil, err
	}

	logger.Info("research run finished",
		"needs_clarification", st.NeedsClarification,
		"iterations", st.ResearchIterations,
		"notes", len(st.Notes),
		"model_calls", st.Usage.Calls,
		"cost_usd", st.Usage.Cost.StringFixed(4),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return st, nil
}

// InvokeAsync runs Invoke in a goroutine. The channel receives exactly one
// Result and is then closed.
func (a *Agent) InvokeAsync(ctx context.Context, in Input) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		st, err := a.Invoke(ctx, in)
		ch <- Result{State: st, Err: err}
	}()
	return ch
}

// traced logs node boundaries and keeps the first node error on the state.
func traced[S failureRecorder](name string, fn func(context.Context, S) (S, error)) func(context.Context, S) (S, error) {
	return func(ctx context.Context, s S) (S, error) {
		logger := ctxlog.FromContext(ctx).With("node", name)
		ctx = ctxlog.WithLogger(ctx, logger)

		start := time.Now()
		logger.Debug("node started")
		out, err := fn(ctx, s)
		if err != nil {
			s.recordFailure(err)
			logger.Warn("node failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
			return out, err
		}
		logger.Debug("node finished", "duration_ms", time.Since(start).Milliseconds())
		return out, nil
	}
}

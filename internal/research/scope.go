package research

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"deep-research-agent/internal/ctxlog"
	"deep-research-agent/internal/domain"
)

// clarifyWithUser decides whether the request is clear enough to research.
// When it is not, the question is appended and the graph ends.
func (a *Agent) clarifyWithUser(ctx context.Context, s *State) (*State, error) {
	if !a.cfg.AllowClarification {
		return s, nil
	}

	out, err := completeStructured[clarifyOutput](ctx, a, s.tracker, a.cfg.Models.Research, "clarify_with_user",
		[]domain.ChatMessage{domain.UserMessage(clarifyPrompt(transcript(s.Messages), a.cfg.today()))})
	if err != nil {
		return s, fmt.Errorf("research: clarify: %w", err)
	}

	if question := strings.TrimSpace(out.Question); out.NeedClarification && question != "" {
		ctxlog.FromContext(ctx).Info("clarification requested")
		s.NeedsClarification = true
		s.ClarifyingQuestion = question
		s.Messages = append(s.Messages, domain.AssistantMessage(question))
		return s, nil
	}
	if v := strings.TrimSpace(out.Verification); v != "" {
		s.Messages = append(s.Messages, domain.AssistantMessage(v))
	}
	return s, nil
}

func (a *Agent) routeAfterClarify(_ context.Context, s *State) string {
	if s.NeedsClarification {
		return endNode
	}
	return nodeWriteBrief
}

// writeResearchBrief condenses the conversation into a brief and seeds the
// supervisor conversation with it.
func (a *Agent) writeResearchBrief(ctx context.Context, s *State) (*State, error) {
	out, err := completeStructured[briefOutput](ctx, a, s.tracker, a.cfg.Models.Research, "research_question",
		[]domain.ChatMessage{domain.UserMessage(briefPrompt(transcript(s.Messages), a.cfg.today()))})
	if err != nil {
		return s, fmt.Errorf("research: write brief: %w", err)
	}
	brief := strings.TrimSpace(out.ResearchBrief)
	if brief == "" {
		return s, errors.New("research: write brief: model returned an empty brief")
	}

	s.ResearchBrief = brief
	s.SupervisorMessages = append(s.SupervisorMessages,
		domain.SystemMessage(leadResearcherPrompt(a.cfg.today(), a.cfg.MaxConcurrentResearchers, a.cfg.MaxResearcherIterations)),
		domain.UserMessage(brief),
	)
	return s, nil
}

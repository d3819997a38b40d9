package research

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"deep-research-agent/internal/domain"
)

// finalReportGeneration writes the report from the brief and the
// supervisor's notes.
func (a *Agent) finalReportGeneration(ctx context.Context, s *State) (*State, error) {
	findings := strings.Join(s.Notes, "\n")
	temperature := 0.0

	resp, err := a.complete(ctx, s.tracker, domain.ChatRequest{
		Model:       a.cfg.Models.Writer,
		Messages:    []domain.ChatMessage{domain.UserMessage(finalReportPrompt(s.ResearchBrief, findings, a.cfg.today()))},
		Temperature: &temperature,
		MaxTokens:   a.cfg.WriterMaxTokens,
	})
	if err != nil {
		return s, fmt.Errorf("research: final report: %w", err)
	}
	report := strings.TrimSpace(resp.Message.Content)
	if report == "" {
		return s, errors.New("research: final report: writer returned an empty report")
	}

	s.FinalReport = report
	s.Messages = append(s.Messages, domain.AssistantMessage(report))
	return s, nil
}

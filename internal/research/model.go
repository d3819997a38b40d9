package research

import (
	"context"
	"fmt"

	"deep-research-agent/internal/ctxlog"
	"deep-research-agent/internal/domain"
	"deep-research-agent/internal/schema"
	"deep-research-agent/internal/usage"
)

// ChatModel is a provider that completes one chat turn.
type ChatModel interface {
	Complete(ctx context.Context, req domain.ChatRequest) (domain.ChatResponse, error)
}

const structuredAttempts = 3

// complete calls the model and records usage against tracker.
func (a *Agent) complete(ctx context.Context, tracker *usage.Tracker, req domain.ChatRequest) (domain.ChatResponse, error) {
	resp, err := a.model.Complete(ctx, req)
	if err != nil {
		return domain.ChatResponse{}, err
	}
	model := resp.Model
	if model == "" {
		model = req.Model
	}
	if tracker != nil {
		tracker.Record(model, resp.Usage)
	}
	ctxlog.FromContext(ctx).Debug("model call",
		"model", model,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls),
	)
	return resp, nil
}

// completeStructured asks for a JSON object shaped like T. Replies that fail
// strict decoding are retried a few times before giving up.
func completeStructured[T any](ctx context.Context, a *Agent, tracker *usage.Tracker, model, name string, msgs []domain.ChatMessage) (T, error) {
	req := domain.ChatRequest{
		Model:    model,
		Messages: msgs,
		Output:   &domain.OutputSchema{Name: name, Schema: schema.Generate[T]()},
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= structuredAttempts; attempt++ {
		resp, err := a.complete(ctx, tracker, req)
		if err != nil {
			return zero, err
		}
		out, err := schema.DecodeStrict[T](resp.Message.Content)
		if err == nil {
			return out, nil
		}
		lastErr = err
		ctxlog.FromContext(ctx).Warn("structured output rejected", "schema", name, "attempt", attempt, "error", err)
	}
	return zero, fmt.Errorf("research: %s: %w", name, lastErr)
}

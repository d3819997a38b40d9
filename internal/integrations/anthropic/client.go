// Package anthropic adapts the Anthropic Messages API to the workflow's
// provider-neutral chat contract.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"deep-research-agent/internal/domain"
	"deep-research-agent/internal/schema"
)

const (
	defaultMaxTokens = 8192

	// The SDK refuses non-streaming calls it expects to outlast its default
	// timeout unless the caller sets one. It estimates an hour per 128k
	// output tokens.
	minRequestTimeout = 10 * time.Minute
	fullOutputTokens  = 128000
)

// messagesAPI is the slice of the SDK used here.
// *anthropic.MessageService satisfies this interface.
type messagesAPI interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// TokenProvider resolves the API key for each request.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Client implements chat completion on top of anthropic-sdk-go.
type Client struct {
	messages messagesAPI
	tokens   TokenProvider
}

// NewClient builds a Client around a fresh SDK client. opts are passed to
// the SDK (base URL, HTTP client, retries).
func NewClient(tokens TokenProvider, opts ...option.RequestOption) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("anthropic: token provider must not be nil")
	}
	sdk := anthropic.NewClient(opts...)
	return newWithAPI(&sdk.Messages, tokens)
}

func newWithAPI(api messagesAPI, tokens TokenProvider) (*Client, error) {
	if api == nil {
		return nil, errors.New("anthropic: messages api must not be nil")
	}
	if tokens == nil {
		return nil, errors.New("anthropic: token provider must not be nil")
	}
	return &Client{messages: api, tokens: tokens}, nil
}

// Complete sends one Messages request. Structured output is requested by
// forcing a hidden tool whose input schema is the output schema; its input
// becomes the reply content.
func (c *Client) Complete(ctx context.Context, in domain.ChatRequest) (domain.ChatResponse, error) {
	if in.Model == "" {
		return domain.ChatResponse{}, errors.New("anthropic: model must not be empty")
	}
	apiKey, err := c.tokens.Token(ctx)
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("anthropic: resolve token: %w", err)
	}

	params, err := buildParams(in)
	if err != nil {
		return domain.ChatResponse{}, err
	}

	msg, err := c.messages.New(ctx, params,
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(requestTimeout(params.MaxTokens)),
	)
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("anthropic: request failed: %w", err)
	}
	if msg == nil {
		return domain.ChatResponse{}, errors.New("anthropic: empty response")
	}

	out := domain.ChatResponse{
		Model: string(msg.Model),
		Usage: domain.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	if out.Model == "" {
		out.Model = in.Model
	}
	reply, err := fromContent(msg.Content, in.Output)
	if err != nil {
		return domain.ChatResponse{}, err
	}
	out.Message = reply
	return out, nil
}

// requestTimeout scales the per-request timeout with the output budget.
func requestTimeout(maxTokens int64) time.Duration {
	d := time.Duration(maxTokens) * time.Hour / fullOutputTokens
	if d < minRequestTimeout {
		return minRequestTimeout
	}
	return d
}

func buildParams(in domain.ChatRequest) (anthropic.MessageNewParams, error) {
	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(in.Model),
		MaxTokens: int64(maxTokens),
	}
	if in.Temperature != nil {
		params.Temperature = param.NewOpt(*in.Temperature)
	}

	system, messages := toMessages(in.Messages)
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	params.Messages = messages

	for _, t := range in.Tools {
		tool, err := toolParam(t.Name, t.Description, t.Parameters)
		if err != nil {
			return params, err
		}
		params.Tools = append(params.Tools, tool)
	}
	if in.Output != nil {
		tool, err := toolParam(in.Output.Name, "Return structured output matching the schema", in.Output.Schema)
		if err != nil {
			return params, err
		}
		params.Tools = append(params.Tools, tool)
		params.ToolChoice = anthropic.ToolChoiceParamOfTool(in.Output.Name)
	}
	return params, nil
}

func toolParam(name, description string, raw json.RawMessage) (anthropic.ToolUnionParam, error) {
	obj := schema.Object{Properties: map[string]any{}}
	if len(raw) > 0 {
		parsed, err := schema.Parse(raw)
		if err != nil {
			return anthropic.ToolUnionParam{}, fmt.Errorf("anthropic: tool %s: %w", name, err)
		}
		obj = parsed
	}
	return anthropic.ToolUnionParam{
		OfTool: &anthropic.ToolParam{
			Name:        name,
			Description: param.NewOpt(description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: obj.Properties,
				Required:   obj.Required,
			},
		},
	}, nil
}

// toMessages folds system messages into one system prompt and groups
// consecutive tool results into a single user turn, as the API requires.
func toMessages(in []domain.ChatMessage) (string, []anthropic.MessageParam) {
	var system []string
	var out []anthropic.MessageParam
	var results []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(results) > 0 {
			out = append(out, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, m := range in {
		switch m.Role {
		case domain.RoleSystem:
			if s := strings.TrimSpace(m.Content); s != "" {
				system = append(system, s)
			}
		case domain.RoleTool:
			results = append(results, anthropic.NewToolResultBlock(m.ToolCallID, nonEmpty(m.Content), false))
		case domain.RoleAssistant:
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if strings.TrimSpace(m.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(nonEmpty(m.Content)))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			flush()
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(nonEmpty(m.Content))))
		}
	}
	flush()
	return strings.Join(system, "\n\n"), out
}

func fromContent(content []anthropic.ContentBlockUnion, output *domain.OutputSchema) (domain.ChatMessage, error) {
	reply := domain.ChatMessage{Role: domain.RoleAssistant}
	var text []string
	for _, block := range content {
		switch block.Type {
		case "text":
			text = append(text, block.Text)
		case "tool_use":
			if output != nil && block.Name == output.Name {
				reply.Content = string(block.Input)
				return reply, nil
			}
			reply.ToolCalls = append(reply.ToolCalls, domain.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: json.RawMessage(block.Input),
			})
		}
	}
	if output != nil {
		return domain.ChatMessage{}, fmt.Errorf("anthropic: structured output tool %q not found in response", output.Name)
	}
	reply.Content = strings.Join(text, "")
	return reply, nil
}

func nonEmpty(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(empty)"
	}
	return s
}

package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"deep-research-agent/internal/domain"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	defaultTimeout = 180 * time.Second
)

// chatRequest is the request shape for the Chat Completions endpoint.
type chatRequest struct {
	Model          string           `json:"model"`
	Messages       []wireMessage    `json:"messages"`
	Tools          []wireTool       `json:"tools,omitempty"`
	Temperature    *float64         `json:"temperature,omitempty"`
	MaxTokens      int              `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat  `json:"response_format,omitempty"`
	Provider       *providerRouting `json:"provider,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    *string        `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string          `json:"type"`
	Function wireFunctionDef `json:"function"`
}

type wireFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type responseFormat struct {
	Type       string           `json:"type"`
	JSONSchema jsonSchemaConfig `json:"json_schema"`
}

type jsonSchemaConfig struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

// providerRouting is the OpenRouter provider preference block.
type providerRouting struct {
	Order          []string `json:"order,omitempty"`
	AllowFallbacks bool     `json:"allow_fallbacks"`
}

// chatResponse is the minimal response shape returned by the Chat Completions endpoint.
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// TokenProvider resolves the bearer token for each request.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused OpenAI-compatible client for chat completions with
// tool calling and JSON-schema structured output.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenProvider
	routing    *providerRouting
	appTitle   string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithProviderRouting pins OpenRouter to the given upstream providers in
// order. allowFallbacks=false makes OpenRouter fail instead of rerouting.
func WithProviderRouting(order []string, allowFallbacks bool) Option {
	return func(c *Client) {
		if len(order) == 0 {
			c.routing = nil
			return
		}
		c.routing = &providerRouting{Order: append([]string(nil), order...), AllowFallbacks: allowFallbacks}
	}
}

// WithAppTitle sets the X-Title attribution header OpenRouter displays.
func WithAppTitle(title string) Option {
	return func(c *Client) {
		c.appTitle = strings.TrimSpace(title)
	}
}

// NewClient creates a new Client. The token is resolved per request through
// tokens, which is expected to cache.
func NewClient(tokens TokenProvider, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("openai: token provider must not be nil")
	}
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		tokens:     tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolvedHTTPClient returns the configured HTTP client, or a default if none
// was set.
func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// Complete sends one chat completion request.
func (c *Client) Complete(ctx context.Context, in domain.ChatRequest) (domain.ChatResponse, error) {
	if in.Model == "" {
		return domain.ChatResponse{}, errors.New("openai: model must not be empty")
	}

	apiKey, err := c.tokens.Token(ctx)
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("openai: resolve token: %w", err)
	}

	body, err := json.Marshal(c.buildRequest(in))
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("openai: marshal request: %w", err)
	}

	url := chatURL(c.baseURL)

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return domain.ChatResponse{}, fmt.Errorf("openai: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if c.appTitle != "" {
		req.Header.Set("X-Title", c.appTitle)
	}

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("openai: request failed: %w", err)
	}

	var payload chatResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return domain.ChatResponse{}, fmt.Errorf("openai: decode response: %w", decErr)
	}
	if len(payload.Choices) == 0 {
		return domain.ChatResponse{}, errors.New("openai: no choices in response")
	}

	model := payload.Model
	if model == "" {
		model = in.Model
	}
	return domain.ChatResponse{
		Message: fromWire(payload.Choices[0].Message),
		Model:   model,
		Usage: domain.Usage{
			InputTokens:  payload.Usage.PromptTokens,
			OutputTokens: payload.Usage.CompletionTokens,
		},
	}, nil
}

func (c *Client) buildRequest(in domain.ChatRequest) chatRequest {
	req := chatRequest{
		Model:       in.Model,
		Messages:    make([]wireMessage, 0, len(in.Messages)),
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
		Provider:    c.routing,
	}
	for _, m := range in.Messages {
		req.Messages = append(req.Messages, toWire(m))
	}
	for _, t := range in.Tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		req.Tools = append(req.Tools, wireTool{
			Type:     "function",
			Function: wireFunctionDef{Name: t.Name, Description: t.Description, Parameters: params},
		})
	}
	if in.Output != nil {
		req.ResponseFormat = &responseFormat{
			Type: "json_schema",
			JSONSchema: jsonSchemaConfig{
				Name:   in.Output.Name,
				Strict: true,
				Schema: in.Output.Schema,
			},
		}
	}
	return req
}

func toWire(m domain.ChatMessage) wireMessage {
	content := m.Content
	w := wireMessage{
		Role:       m.Role,
		Content:    &content,
		ToolCallID: m.ToolCallID,
		Name:       m.Name,
	}
	if m.Role != domain.RoleTool {
		w.Name = ""
	}
	for _, tc := range m.ToolCalls {
		args := string(tc.Arguments)
		if args == "" {
			args = "{}"
		}
		w.ToolCalls = append(w.ToolCalls, wireToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: wireFunction{Name: tc.Name, Arguments: args},
		})
	}
	return w
}

func fromWire(w wireMessage) domain.ChatMessage {
	m := domain.ChatMessage{Role: w.Role}
	if m.Role == "" {
		m.Role = domain.RoleAssistant
	}
	if w.Content != nil {
		m.Content = *w.Content
	}
	for _, tc := range w.ToolCalls {
		m.ToolCalls = append(m.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: rawArguments(tc.Function.Arguments),
		})
	}
	return m
}

// rawArguments keeps model-produced argument text as JSON. Invalid JSON is
// preserved as a JSON string so it still round-trips and fails at decode time
// in the tool rather than here.
func rawArguments(s string) json.RawMessage {
	s = strings.TrimSpace(s)
	if s == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

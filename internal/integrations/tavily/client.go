// Package tavily is a small client for the Tavily search API.
package tavily

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
)

const (
	DefaultBaseURL = "https://api.tavily.com"
	defaultTimeout = 30 * time.Second

	// TopicGeneral and friends are the search categories Tavily accepts.
	TopicGeneral = "general"
	TopicNews    = "news"
	TopicFinance = "finance"

	maxRetries = 3
)

// TokenProvider resolves the API key for each request.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// SearchRequest is one Tavily search.
type SearchRequest struct {
	Query             string `json:"query"`
	MaxResults        int    `json:"max_results,omitempty"`
	Topic             string `json:"topic,omitempty"`
	IncludeRawContent bool   `json:"include_raw_content"`
}

// Result is a single search hit. RawContent is empty when Tavily could not
// extract the page.
type Result struct {
	Title      string  `json:"title"`
	URL        string  `json:"url"`
	Content    string  `json:"content"`
	RawContent string  `json:"raw_content"`
	Score      float64 `json:"score"`
}

type searchResponse struct {
	Query   string   `json:"query"`
	Results []Result `json:"results"`
}

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("tavily: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client calls the Tavily search endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenProvider
	backoff    time.Duration
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithBackoff sets the initial wait after a 429. It doubles per retry.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.backoff = d
	}
}

func NewClient(tokens TokenProvider, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("tavily: token provider must not be nil")
	}
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		tokens:     tokens,
		backoff:    time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return c, nil
}

// Search runs one query. Rate-limited responses are retried with exponential
// backoff a few times before the 429 is returned.
func (c *Client) Search(ctx context.Context, in SearchRequest) ([]Result, error) {
	in.Query = strings.TrimSpace(in.Query)
	if in.Query == "" {
		return nil, errors.New("tavily: query must not be empty")
	}
	if in.Topic == "" {
		in.Topic = TopicGeneral
	}

	apiKey, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("tavily: resolve token: %w", err)
	}
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("tavily: marshal request: %w", err)
	}

	url := c.baseURL + "/search"
	delay := c.backoff
	for attempt := 0; ; attempt++ {
		raw, err := c.post(ctx, url, apiKey, body)
		if err == nil {
			var payload searchResponse
			if decErr := json.Unmarshal(raw, &payload); decErr != nil {
				return nil, fmt.Errorf("tavily: decode response: %w", decErr)
			}
			return payload.Results, nil
		}

		var statusErr *HTTPStatusError
		if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusTooManyRequests || attempt >= maxRetries {
			return nil, fmt.Errorf("tavily: request failed: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (c *Client) post(ctx context.Context, url, apiKey string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}
	buf, err := io.ReadAll(io.LimitReader(res.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

package tavily

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	token string
	err   error
}

func (f fakeTokens) Token(context.Context) (string, error) { return f.token, f.err }

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(fakeTokens{token: "tvly-test"},
		WithBaseURL(srv.URL+"/"),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
		WithBackoff(time.Millisecond),
	)
	require.NoError(t, err)
	return c
}

func TestNewClient_NilTokens(t *testing.T) {
	_, err := NewClient(nil)
	require.ErrorContains(t, err, "nil")
}

func TestClient_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/search", r.URL.Path)
		require.Equal(t, "Bearer tvly-test", r.Header.Get("Authorization"))

		var got SearchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		require.Equal(t, SearchRequest{Query: "tides", MaxResults: 3, Topic: TopicGeneral, IncludeRawContent: true}, got)

		_, _ = w.Write([]byte(`{"query":"tides","results":[
			{"title":"Tides","url":"https://a.example","content":"snippet","raw_content":"full page","score":0.9},
			{"title":"Moon","url":"https://b.example","content":"moon","raw_content":null,"score":0.5}
		]}`))
	}))
	defer srv.Close()

	results, err := newTestClient(t, srv).Search(context.Background(), SearchRequest{
		Query:             "  tides ",
		MaxResults:        3,
		IncludeRawContent: true,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "full page", results[0].RawContent)
	require.Empty(t, results[1].RawContent)
}

func TestClient_Search_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	results, err := newTestClient(t, srv).Search(context.Background(), SearchRequest{Query: "q"})
	require.NoError(t, err)
	require.Empty(t, results)
	require.Equal(t, int32(3), calls.Load())
}

func TestClient_Search_RateLimitExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Search(context.Background(), SearchRequest{Query: "q"})
	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusTooManyRequests, statusErr.HTTPStatusCode())
	require.Equal(t, int32(maxRetries+1), calls.Load())
}

func TestClient_Search_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"bad key"}`))
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	_, err := c.Search(context.Background(), SearchRequest{Query: " "})
	require.ErrorContains(t, err, "query")

	_, err = c.Search(context.Background(), SearchRequest{Query: "q"})
	require.ErrorContains(t, err, "unexpected status 401")

	bad, err := NewClient(fakeTokens{err: errors.New("no token")}, WithBaseURL(srv.URL))
	require.NoError(t, err)
	_, err = bad.Search(context.Background(), SearchRequest{Query: "q"})
	require.ErrorContains(t, err, "no token")
}

func TestClient_Search_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`nope`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Search(context.Background(), SearchRequest{Query: "q"})
	require.ErrorContains(t, err, "decode response")
}

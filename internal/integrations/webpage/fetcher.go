// Package webpage downloads a page and reduces it to readable text for
// search results that came back without extracted content.
package webpage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 2 << 20
	userAgent      = "Mozilla/5.0 (compatible; deep-research-agent/1.0)"
)

// DefaultMaxChars caps the extracted text handed to a model.
const DefaultMaxChars = 32 * 1024

// Page is the extracted text of a fetched document.
type Page struct {
	URL       string
	Title     string
	Text      string
	Truncated bool
}

// Fetcher retrieves pages over HTTP.
type Fetcher struct {
	client   *http.Client
	maxChars int
}

type Option func(*Fetcher)

func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

func WithMaxChars(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxChars = n
		}
	}
}

func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   &http.Client{Timeout: defaultTimeout},
		maxChars: DefaultMaxChars,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads url and extracts its title and visible text.
func (f *Fetcher) Fetch(ctx context.Context, url string) (Page, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return Page{}, errors.New("webpage: url is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Page{}, fmt.Errorf("webpage: create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")

	res, err := f.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("webpage: fetch %s: %w", url, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return Page{}, fmt.Errorf("webpage: fetch %s: status %d", url, res.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return Page{}, fmt.Errorf("webpage: read %s: %w", url, err)
	}

	page := Page{URL: url}
	if strings.HasPrefix(res.Header.Get("Content-Type"), "text/plain") {
		page.Text = collapse(string(body))
	} else {
		doc, err := html.Parse(strings.NewReader(string(body)))
		if err != nil {
			return Page{}, fmt.Errorf("webpage: parse %s: %w", url, err)
		}
		page.Title, page.Text = Extract(doc)
	}
	if len(page.Text) > f.maxChars {
		page.Text = page.Text[:f.maxChars]
		page.Truncated = true
	}
	return page, nil
}

// skipped holds elements whose text is never content.
var skipped = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"nav":      true,
	"header":   true,
	"footer":   true,
	"aside":    true,
	"form":     true,
	"svg":      true,
	"iframe":   true,
}

// block elements end a line of text.
var block = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "blockquote": true, "pre": true, "table": true,
}

// Extract walks a parsed document and returns its title and body text, one
// block per line.
func Extract(doc *html.Node) (title, text string) {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if n.Data == "title" && title == "" && n.FirstChild != nil {
				title = strings.TrimSpace(n.FirstChild.Data)
				return
			}
			if skipped[n.Data] {
				return
			}
		}
		if n.Type == html.TextNode {
			if s := strings.TrimSpace(n.Data); s != "" {
				b.WriteString(s)
				b.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && block[n.Data] {
			b.WriteByte('\n')
		}
	}
	walk(doc)
	return title, collapse(b.String())
}

func collapse(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

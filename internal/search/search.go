// Package search provides the web search adapter used to enrich chat
// prompts when internet access is enabled.
package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
)

// Result limits; callers' requested counts are clamped into this range.
const (
	MinResults     = 1
	MaxResults     = 10
	DefaultResults = 5
)

// Adapter answers web queries. Implementations must be safe for
// concurrent use.
type Adapter interface {
	Search(ctx context.Context, query string, maxResults int) ([]string, error)
	Available(ctx context.Context) bool
}

// ClampResults normalizes a requested result count.
func ClampResults(n int) int {
	if n <= 0 {
		return DefaultResults
	}
	if n < MinResults {
		return MinResults
	}
	if n > MaxResults {
		return MaxResults
	}
	return n
}

// DuckDuckGo queries the DuckDuckGo instant-answer API. No key required.
type DuckDuckGo struct {
	baseURL string
	http    *http.Client
}

// NewDuckDuckGo returns an adapter against the public endpoint; baseURL
// overrides it for tests.
func NewDuckDuckGo(baseURL string) *DuckDuckGo {
	if baseURL == "" {
		baseURL = "https://api.duckduckgo.com"
	}
	return &DuckDuckGo{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Search returns up to maxResults text snippets for query.
func (d *DuckDuckGo) Search(ctx context.Context, query string, maxResults int) ([]string, error) {
	maxResults = ClampResults(maxResults)

	u := fmt.Sprintf("%s/?q=%s&format=json&no_html=1", d.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("search: create request: %w", err)
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search: do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("search: read response: %w", err)
	}

	var out []string
	doc := gjson.ParseBytes(body)
	if abstract := doc.Get("AbstractText").String(); abstract != "" {
		out = append(out, abstract)
	}
	doc.Get("RelatedTopics").ForEach(func(_, topic gjson.Result) bool {
		if len(out) >= maxResults {
			return false
		}
		if text := topic.Get("Text").String(); text != "" {
			out = append(out, text)
		}
		return true
	})
	if len(out) > maxResults {
		out = out[:maxResults]
	}
	return out, nil
}

// statusError carries the HTTP status so error classification can weigh
// server faults against client mistakes.
type statusError struct {
	code int
}

func (e *statusError) Error() string   { return fmt.Sprintf("search: HTTP %d", e.code) }
func (e *statusError) HTTPStatus() int { return e.code }

// Available probes the endpoint with a short timeout.
func (d *DuckDuckGo) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, d.baseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

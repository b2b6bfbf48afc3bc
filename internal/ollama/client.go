// Package ollama bridges the worker to a local Ollama runtime: native
// streaming chat over its HTTP API, and model management through both the
// API and the CLI.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"

	worker "github.com/lumenai/lumen-worker/internal"
)

const defaultBaseURL = "http://localhost:11434"

// Client talks to a local Ollama instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client with a tuned http.Client. If baseURL is empty it
// defaults to "http://localhost:11434". If resolver is non-nil, the
// transport's DialContext uses cached DNS lookups.
func New(baseURL string, resolver *dnscache.Resolver) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	t := &http.Transport{
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   false, // Ollama is typically HTTP/1.1
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}

	return &Client{baseURL: baseURL, http: &http.Client{Transport: t}}
}

// ChatStream opens a native streaming chat against model and returns the
// token channel. It implements worker.ChatStreamer.
func (c *Client) ChatStream(ctx context.Context, model string, msgs []worker.ChatMessage) (<-chan worker.TokenChunk, error) {
	body, err := json.Marshal(map[string]any{
		"model":    model,
		"messages": msgs,
		"stream":   true,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseAPIError(resp)
	}

	ch := make(chan worker.TokenChunk, 8)
	go c.readNDJSONStream(ctx, resp, ch)
	return ch, nil
}

// readNDJSONStream decodes Ollama's newline-delimited JSON chat frames and
// forwards message content as token chunks.
func (c *Client) readNDJSONStream(ctx context.Context, resp *http.Response, ch chan<- worker.TokenChunk) {
	defer close(ch)
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if err == io.EOF {
				return
			}
			select {
			case ch <- worker.TokenChunk{Err: fmt.Errorf("ollama: read stream: %w", err)}:
			case <-ctx.Done():
			}
			return
		}

		frame := gjson.ParseBytes(raw)
		if msg := frame.Get("error"); msg.Exists() {
			select {
			case ch <- worker.TokenChunk{Err: fmt.Errorf("ollama: %s", msg.String())}:
			case <-ctx.Done():
			}
			return
		}

		chunk := worker.TokenChunk{
			Text: frame.Get("message.content").String(),
			Done: frame.Get("done").Bool(),
		}
		select {
		case ch <- chunk:
		case <-ctx.Done():
			return
		}
		if chunk.Done {
			return
		}
	}
}

// DeleteModel removes a model via the Ollama API.
func (c *Client) DeleteModel(ctx context.Context, name string) error {
	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return fmt.Errorf("ollama: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/delete", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ollama: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama: do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return parseAPIError(resp)
	}
	return nil
}

// HealthCheck verifies connectivity to the Ollama instance.
func (c *Client) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("ollama: create request: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama: do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return parseAPIError(resp)
	}
	return nil
}

// apiError is an error response from the Ollama API.
type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("ollama: HTTP %d: %s", e.StatusCode, e.Body)
}

func parseAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &apiError{StatusCode: resp.StatusCode, Body: string(body)}
}

// Package testutil provides configurable test fakes for worker interfaces.
package testutil

import (
	"context"
	"sync"

	worker "github.com/lumenai/lumen-worker/internal"
	"github.com/lumenai/lumen-worker/internal/settings"
	"github.com/lumenai/lumen-worker/internal/sidecar"
)

// FakeStreamer is a configurable worker.ChatStreamer.
type FakeStreamer struct {
	StreamFn func(ctx context.Context, model string, msgs []worker.ChatMessage) (<-chan worker.TokenChunk, error)

	mu       sync.Mutex
	LastMsgs []worker.ChatMessage
}

// ChatStream delegates to StreamFn or streams a default completion.
func (f *FakeStreamer) ChatStream(ctx context.Context, model string, msgs []worker.ChatMessage) (<-chan worker.TokenChunk, error) {
	f.mu.Lock()
	f.LastMsgs = msgs
	f.mu.Unlock()
	if f.StreamFn != nil {
		return f.StreamFn(ctx, model, msgs)
	}
	return FakeTokenChan(worker.TokenChunk{Text: "hello"}), nil
}

// FakeTokenChan returns a channel pre-loaded with the given chunks,
// followed by a Done sentinel. The channel is closed after all chunks.
func FakeTokenChan(chunks ...worker.TokenChunk) <-chan worker.TokenChunk {
	ch := make(chan worker.TokenChunk, len(chunks)+1)
	for _, c := range chunks {
		ch <- c
	}
	ch <- worker.TokenChunk{Done: true}
	close(ch)
	return ch
}

// FakeGenerator is a configurable sidecar generation surface.
type FakeGenerator struct {
	GenerateFn func(ctx context.Context, prompt string, maxTokens int, temperature float64) (*sidecar.GenResult, error)

	mu         sync.Mutex
	LastPrompt string
}

// Generate delegates to GenerateFn or returns a fixed completion.
func (f *FakeGenerator) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (*sidecar.GenResult, error) {
	f.mu.Lock()
	f.LastPrompt = prompt
	f.mu.Unlock()
	if f.GenerateFn != nil {
		return f.GenerateFn(ctx, prompt, maxTokens, temperature)
	}
	return &sidecar.GenResult{OK: true, Text: "generated"}, nil
}

// FakeSearch is a configurable search.Adapter.
type FakeSearch struct {
	SearchFn    func(ctx context.Context, query string, maxResults int) ([]string, error)
	AvailableFn func(ctx context.Context) bool
}

// Search delegates to SearchFn or returns a single canned result.
func (f *FakeSearch) Search(ctx context.Context, query string, maxResults int) ([]string, error) {
	if f.SearchFn != nil {
		return f.SearchFn(ctx, query, maxResults)
	}
	return []string{"result for " + query}, nil
}

// Available delegates to AvailableFn or reports true.
func (f *FakeSearch) Available(ctx context.Context) bool {
	if f.AvailableFn != nil {
		return f.AvailableFn(ctx)
	}
	return true
}

// FakeSettings serves a fixed settings snapshot.
type FakeSettings struct {
	Current settings.Settings
}

// Load returns the configured snapshot.
func (f *FakeSettings) Load() settings.Settings { return f.Current }

// FakeAudit records prompt metadata in memory.
type FakeAudit struct {
	mu      sync.Mutex
	Prompts []map[string]any
	Err     error
}

// Prompt appends meta or returns the configured error.
func (f *FakeAudit) Prompt(meta map[string]any) error {
	if f.Err != nil {
		return f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Prompts = append(f.Prompts, meta)
	return nil
}

package prompt

import (
	"strings"
	"testing"

	worker "github.com/lumenai/lumen-worker/internal"
)

func TestBuildOrderAndRenderings(t *testing.T) {
	t.Parallel()

	p := NewBuilder("en").
		WithMemory([]worker.MemoryEntry{{Key: "style", Value: "terse"}}).
		WithRepoContext("Go module with 3 packages").
		WithFiles(map[string]string{"main.go": "package main"}).
		WithHistory([]worker.StoredMessage{
			{Role: "user", Content: "earlier question"},
			{Role: "assistant", Content: "earlier answer"},
		}).
		WithUserPrompt("current question").
		Build()

	if p.ID == "" || p.Version != Version {
		t.Fatalf("prompt header = %+v", p)
	}
	if p.Components[0].Type != TypeSystem {
		t.Fatal("system component must come first")
	}
	last := p.Components[len(p.Components)-1]
	if last.Type != TypeUser || last.Content != "current question" {
		t.Fatalf("last component = %+v", last)
	}

	msgs := p.Messages()
	if msgs[0].Role != "system" {
		t.Fatalf("first message role = %q", msgs[0].Role)
	}
	if !strings.Contains(msgs[0].Content, "[style]: terse") {
		t.Fatal("memory missing from system message")
	}
	if !strings.Contains(msgs[0].Content, "=== REPOSITORY CONTEXT ===") {
		t.Fatal("repo context missing from system message")
	}
	if !strings.Contains(msgs[0].Content, "=== main.go ===") {
		t.Fatal("file bundle missing from system message")
	}
	if got := msgs[len(msgs)-1]; got.Role != "user" || got.Content != "current question" {
		t.Fatalf("final turn = %+v", got)
	}
	// system + 2 history + current user
	if len(msgs) != 4 {
		t.Fatalf("got %d messages", len(msgs))
	}

	flat := p.String()
	if !strings.Contains(flat, "=== PROMPT V2.0") {
		t.Fatalf("preview header missing: %q", flat[:40])
	}
	if !strings.Contains(flat, "--- SYSTEM ---") || !strings.Contains(flat, "--- CONTEXT REPOSITORY ---") {
		t.Fatal("preview sections missing")
	}
}

func TestLanguageFallback(t *testing.T) {
	t.Parallel()

	fr := NewBuilder("fr").WithUserPrompt("salut").Build()
	if !strings.Contains(fr.Components[0].Content, "assistant local") {
		t.Fatal("french preamble not selected")
	}
	unknown := NewBuilder("tlh").WithUserPrompt("hi").Build()
	if !strings.Contains(unknown.Components[0].Content, "secure local assistant") {
		t.Fatal("unknown language must fall back to english")
	}
}

func TestWebResultsClampedUpstream(t *testing.T) {
	t.Parallel()

	p := NewBuilder("en").
		WithWebResults([]string{"r1", "r2"}).
		WithUserPrompt("q").
		Build()
	var found bool
	for _, c := range p.Components {
		if c.Kind == ContextWeb {
			found = true
			if !strings.Contains(c.Content, "=== WEB RESULTS ===") {
				t.Fatalf("web block = %q", c.Content)
			}
		}
	}
	if !found {
		t.Fatal("web component missing")
	}
}

func TestAuditMetadataOmitsContent(t *testing.T) {
	t.Parallel()

	p := NewBuilder("en").WithUserPrompt("the secret question").Build()
	meta := p.AuditMetadata()

	comps, ok := meta["components"].([]map[string]any)
	if !ok || len(comps) == 0 {
		t.Fatalf("components = %#v", meta["components"])
	}
	for _, c := range comps {
		if _, leaked := c["content"]; leaked {
			t.Fatal("audit metadata must not carry content")
		}
		if c["content_length"].(int) < 0 {
			t.Fatal("missing content_length")
		}
	}
	if meta["prompt_id"] != p.ID {
		t.Fatalf("prompt_id = %v", meta["prompt_id"])
	}
	if est, ok := meta["estimated_tokens"].(int); !ok || est < 1 {
		t.Fatalf("estimated_tokens = %v", meta["estimated_tokens"])
	}
}

// Package prompt assembles the structured, versioned prompt sent to an LLM
// backend: a typed component list with two renderings, a chat message array
// and a flat preview string.
package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	worker "github.com/lumenai/lumen-worker/internal"
	"github.com/lumenai/lumen-worker/internal/tokencount"
)

// Version of the prompt format, surfaced in previews and audit entries.
const Version = "2.0"

// Component types, in assembly order.
const (
	TypeSystem    = "system"
	TypeMemory    = "memory"
	TypeContext   = "context"
	TypeUser      = "user"
	TypeAssistant = "assistant"
)

// Context component kinds.
const (
	ContextRepository = "repository"
	ContextWeb        = "web"
	ContextFiles      = "files"
)

// systemPreambles are the language-dependent safety preambles.
var systemPreambles = map[string]string{
	"en": "You are a secure local assistant. Answer using only the provided context and your general knowledge. Never reveal file system paths outside the provided context, never execute commands, and say so plainly when you do not know.",
	"fr": "Tu es un assistant local sécurisé. Réponds uniquement à partir du contexte fourni et de tes connaissances générales. Ne révèle jamais de chemins hors du contexte fourni, n'exécute aucune commande, et dis-le clairement quand tu ne sais pas.",
}

// Component is one typed block of the prompt.
type Component struct {
	Type     string         `json:"type"`
	Kind     string         `json:"kind,omitempty"` // context subtype
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Prompt is the assembled, versioned prompt.
type Prompt struct {
	ID         string      `json:"prompt_id"`
	Version    string      `json:"version"`
	CreatedAt  time.Time   `json:"created_at"`
	Components []Component `json:"components"`
}

// Builder accumulates components in their canonical order.
type Builder struct {
	system  string
	memory  []worker.MemoryEntry
	context []Component
	history []worker.StoredMessage
	user    string
}

// NewBuilder starts a prompt in the given UI language; unknown languages
// fall back to English.
func NewBuilder(language string) *Builder {
	preamble, ok := systemPreambles[language]
	if !ok {
		preamble = systemPreambles["en"]
	}
	return &Builder{system: preamble}
}

// WithMemory attaches resolved memory entries.
func (b *Builder) WithMemory(entries []worker.MemoryEntry) *Builder {
	b.memory = entries
	return b
}

// WithRepoContext attaches a repository summary block.
func (b *Builder) WithRepoContext(text string) *Builder {
	if text != "" {
		b.context = append(b.context, Component{
			Type: TypeContext, Kind: ContextRepository,
			Content:  "=== REPOSITORY CONTEXT ===\n" + text,
			Metadata: map[string]any{"length": len(text)},
		})
	}
	return b
}

// WithWebResults attaches web search results.
func (b *Builder) WithWebResults(results []string) *Builder {
	if len(results) > 0 {
		b.context = append(b.context, Component{
			Type: TypeContext, Kind: ContextWeb,
			Content:  "=== WEB RESULTS ===\n" + strings.Join(results, "\n\n"),
			Metadata: map[string]any{"results": len(results)},
		})
	}
	return b
}

// WithFiles attaches a file bundle, one "=== path ===" block per file.
func (b *Builder) WithFiles(files map[string]string) *Builder {
	if len(files) == 0 {
		return b
	}
	var sb strings.Builder
	for path, content := range files {
		fmt.Fprintf(&sb, "=== %s ===\n%s\n", path, content)
	}
	b.context = append(b.context, Component{
		Type: TypeContext, Kind: ContextFiles,
		Content:  sb.String(),
		Metadata: map[string]any{"files": len(files)},
	})
	return b
}

// WithHistory attaches the prior turns of the conversation.
func (b *Builder) WithHistory(msgs []worker.StoredMessage) *Builder {
	b.history = msgs
	return b
}

// WithUserPrompt sets the current user turn.
func (b *Builder) WithUserPrompt(text string) *Builder {
	b.user = text
	return b
}

// Build assembles the prompt with a fresh id and timestamp.
func (b *Builder) Build() *Prompt {
	p := &Prompt{
		ID:        uuid.NewString(),
		Version:   Version,
		CreatedAt: time.Now().UTC(),
	}
	p.Components = append(p.Components, Component{Type: TypeSystem, Content: b.system})
	if len(b.memory) > 0 {
		lines := make([]string, 0, len(b.memory))
		for _, e := range b.memory {
			lines = append(lines, fmt.Sprintf("[%s]: %s", e.Key, e.Value))
		}
		p.Components = append(p.Components, Component{
			Type: TypeMemory, Content: strings.Join(lines, "\n"),
			Metadata: map[string]any{"keys": len(b.memory)},
		})
	}
	p.Components = append(p.Components, b.context...)
	for _, m := range b.history {
		t := TypeAssistant
		if m.Role == "user" {
			t = TypeUser
		}
		p.Components = append(p.Components, Component{Type: t, Content: m.Content})
	}
	p.Components = append(p.Components, Component{Type: TypeUser, Content: b.user})
	return p
}

// Messages renders the prompt as a chat message array: system parts merged
// first, then history, then the final user turn.
func (p *Prompt) Messages() []worker.ChatMessage {
	var system []string
	var turns []worker.ChatMessage
	for _, c := range p.Components {
		switch c.Type {
		case TypeSystem, TypeMemory, TypeContext:
			system = append(system, c.Content)
		case TypeUser:
			turns = append(turns, worker.ChatMessage{Role: "user", Content: c.Content})
		case TypeAssistant:
			turns = append(turns, worker.ChatMessage{Role: "assistant", Content: c.Content})
		}
	}
	msgs := make([]worker.ChatMessage, 0, len(turns)+1)
	msgs = append(msgs, worker.ChatMessage{Role: "system", Content: strings.Join(system, "\n\n")})
	return append(msgs, turns...)
}

// String renders the flat preview form shown in the host UI.
func (p *Prompt) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "=== PROMPT V%s (%s) ===\n", p.Version, p.CreatedAt.Format(time.RFC3339))
	for _, c := range p.Components {
		label := strings.ToUpper(c.Type)
		if c.Kind != "" {
			label += " " + strings.ToUpper(c.Kind)
		}
		fmt.Fprintf(&sb, "--- %s ---\n%s\n", label, c.Content)
	}
	return sb.String()
}

// AuditMetadata describes the prompt without exposing content: component
// types and sizes only.
func (p *Prompt) AuditMetadata() map[string]any {
	comps := make([]map[string]any, 0, len(p.Components))
	for _, c := range p.Components {
		m := map[string]any{"type": c.Type, "content_length": len(c.Content)}
		if c.Kind != "" {
			m["kind"] = c.Kind
		}
		for k, v := range c.Metadata {
			m[k] = v
		}
		comps = append(comps, m)
	}
	return map[string]any{
		"prompt_id":        p.ID,
		"version":          p.Version,
		"created_at":       p.CreatedAt,
		"components":       comps,
		"estimated_tokens": tokencount.EstimateMessages(p.Messages()),
	}
}

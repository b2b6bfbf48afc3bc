// Package chat orchestrates a streaming chat turn: persistence, memory and
// context resolution, prompt assembly and provider dispatch.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	worker "github.com/lumenai/lumen-worker/internal"
	"github.com/lumenai/lumen-worker/internal/prompt"
	"github.com/lumenai/lumen-worker/internal/search"
	"github.com/lumenai/lumen-worker/internal/settings"
	"github.com/lumenai/lumen-worker/internal/sidecar"
)

// Providers a chat request may name.
const (
	ProviderOllama = "ollama"
	ProviderAirLLM = "airllm"
)

// sidecarChunkLen is the token-event piece size for synchronous sidecar
// completions.
const sidecarChunkLen = 80

// Request is the payload of a chat command.
type Request struct {
	Model         string            `json:"model"`
	Provider      string            `json:"provider"`
	Prompt        string            `json:"prompt"`
	ChatID        string            `json:"chat_id,omitempty"`
	ProjectID     string            `json:"project_id,omitempty"`
	Language      string            `json:"language,omitempty"`
	MaxTokens     int               `json:"max_tokens,omitempty"`
	Temperature   float64           `json:"temperature,omitempty"`
	ContextFiles  map[string]string `json:"context_files,omitempty"`
	MemoryKeys    []string          `json:"memory_keys,omitempty"`
	RepoContext   string            `json:"repo_context,omitempty"`
	WebQuery      string            `json:"web_query,omitempty"`
	WebMaxResults int               `json:"web_max_results,omitempty"`
}

// ConversationStore is the slice of the conversation store chat needs.
type ConversationStore interface {
	SaveMessage(chatID, role, content, projectID string, encrypt bool) (string, error)
	Messages(chatID string) ([]worker.StoredMessage, error)
}

// MemoryResolver resolves memory keys into entries for prompt assembly.
type MemoryResolver interface {
	Resolve(keys []string, projectID string, projectKeys []string) []worker.MemoryEntry
}

// ProjectReader looks up a project's declared memory keys.
type ProjectReader interface {
	Get(id string) (*worker.Project, error)
}

// Generator is the sidecar's synchronous completion surface.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (*sidecar.GenResult, error)
}

// SettingsReader loads the current settings snapshot.
type SettingsReader interface {
	Load() settings.Settings
}

// PromptAuditor records prompt metadata; content never reaches it.
type PromptAuditor interface {
	Prompt(meta map[string]any) error
}

// Deps are the collaborators a chat Service needs.
type Deps struct {
	Conversations ConversationStore
	Memory        MemoryResolver
	Projects      ProjectReader
	Streamer      worker.ChatStreamer
	Sidecar       Generator
	Search        search.Adapter
	Settings      SettingsReader
	Audit         PromptAuditor
	// Encrypt reports whether new persisted turns should be encrypted.
	Encrypt func() bool
}

// Service runs chat turns. One turn is active at a time from the host's
// point of view; Cancel targets the active chat id.
type Service struct {
	deps Deps

	active    atomic.Value // string, active chat id or ""
	cancelled atomic.Bool
}

// New returns a chat Service.
func New(deps Deps) *Service {
	if deps.Encrypt == nil {
		deps.Encrypt = func() bool { return false }
	}
	s := &Service{deps: deps}
	s.active.Store("")
	return s
}

// ActiveChat returns the chat id of the in-flight turn, or "".
func (s *Service) ActiveChat() string {
	id, _ := s.active.Load().(string)
	return id
}

// Cancel requests that the turn for chatID stop at the next token
// boundary. It reports whether the id matched the active turn.
func (s *Service) Cancel(chatID string) bool {
	if chatID == "" || s.ActiveChat() != chatID {
		return false
	}
	s.cancelled.Store(true)
	return true
}

// Stream validates req and runs the turn, emitting events on the returned
// channel. Failures after the stream opens arrive as error events.
func (s *Service) Stream(ctx context.Context, req Request) (<-chan worker.Event, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("chat: empty prompt: %w", worker.ErrInvalidInput)
	}
	if req.Model == "" {
		return nil, fmt.Errorf("chat: missing model: %w", worker.ErrInvalidInput)
	}
	if req.Provider != ProviderOllama && req.Provider != ProviderAirLLM {
		return nil, fmt.Errorf("chat: unknown provider %q: %w", req.Provider, worker.ErrInvalidInput)
	}

	out := make(chan worker.Event)
	go s.run(ctx, req, out)
	return out, nil
}

func (s *Service) run(ctx context.Context, req Request, out chan<- worker.Event) {
	defer close(out)

	chatID := req.ChatID
	fail := func(msg string) {
		out <- worker.Event{Event: worker.EventError, Message: msg, ChatID: chatID}
	}

	id, err := s.deps.Conversations.SaveMessage(req.ChatID, "user", req.Prompt, req.ProjectID, s.deps.Encrypt())
	if err != nil {
		fail(fmt.Sprintf("save message: %v", err))
		return
	}
	chatID = id

	s.active.Store(chatID)
	s.cancelled.Store(false)
	defer func() {
		s.cancelled.Store(false)
		s.active.Store("")
	}()

	history, err := s.deps.Conversations.Messages(chatID)
	if err != nil {
		fail(fmt.Sprintf("load history: %v", err))
		return
	}
	// The just-saved user turn becomes the prompt, not history.
	if n := len(history); n > 0 && history[n-1].Role == "user" && history[n-1].Content == req.Prompt {
		history = history[:n-1]
	}

	var projectKeys []string
	if req.ProjectID != "" && s.deps.Projects != nil {
		if proj, err := s.deps.Projects.Get(req.ProjectID); err == nil {
			projectKeys = proj.MemoryKeys
		} else {
			slog.Warn("chat: project lookup failed", "project_id", req.ProjectID, "error", err)
		}
	}
	var entries []worker.MemoryEntry
	if s.deps.Memory != nil {
		entries = s.deps.Memory.Resolve(req.MemoryKeys, req.ProjectID, projectKeys)
	}

	var webResults []string
	if req.WebQuery != "" {
		if !s.deps.Settings.Load().InternetAccess {
			fail("web search requested but internet access is disabled in settings")
			return
		}
		n := search.ClampResults(req.WebMaxResults)
		webResults, err = s.deps.Search.Search(ctx, req.WebQuery, n)
		if err != nil {
			fail(fmt.Sprintf("web search: %v", err))
			return
		}
	}

	p := prompt.NewBuilder(req.Language).
		WithMemory(entries).
		WithRepoContext(req.RepoContext).
		WithWebResults(webResults).
		WithFiles(req.ContextFiles).
		WithHistory(history).
		WithUserPrompt(req.Prompt).
		Build()

	if s.deps.Audit != nil {
		if err := s.deps.Audit.Prompt(p.AuditMetadata()); err != nil {
			slog.Warn("chat: prompt audit failed", "error", err)
		}
	}
	out <- worker.Event{
		Event:    worker.EventPromptPreview,
		Data:     p.String(),
		PromptID: p.ID,
		Prompt:   p,
		ChatID:   chatID,
	}

	var full string
	var done bool
	switch req.Provider {
	case ProviderOllama:
		full, done = s.streamOllama(ctx, req, p, chatID, out)
	case ProviderAirLLM:
		full, done = s.streamSidecar(ctx, req, p, chatID, out)
	}
	if !done {
		return // error or cancel already emitted; partial text is dropped
	}

	if _, err := s.deps.Conversations.SaveMessage(chatID, "assistant", full, req.ProjectID, s.deps.Encrypt()); err != nil {
		fail(fmt.Sprintf("save response: %v", err))
		return
	}
	out <- worker.Event{Event: worker.EventDone, ChatID: chatID}
}

// streamOllama forwards tokens from a live model stream, honoring the
// cancel flag between tokens. It returns the full text and whether the
// stream completed normally.
func (s *Service) streamOllama(ctx context.Context, req Request, p *prompt.Prompt, chatID string, out chan<- worker.Event) (string, bool) {
	ch, err := s.deps.Streamer.ChatStream(ctx, req.Model, p.Messages())
	if err != nil {
		out <- worker.Event{Event: worker.EventError, Message: err.Error(), ChatID: chatID}
		return "", false
	}

	var sb strings.Builder
	for chunk := range ch {
		if s.cancelled.Load() {
			out <- worker.Event{Event: worker.EventCancelled, ChatID: chatID}
			return "", false
		}
		if chunk.Err != nil {
			out <- worker.Event{Event: worker.EventError, Message: chunk.Err.Error(), ChatID: chatID}
			return "", false
		}
		if chunk.Text != "" {
			sb.WriteString(chunk.Text)
			out <- worker.Event{Event: worker.EventToken, Data: chunk.Text, ChatID: chatID}
		}
		if chunk.Done {
			break
		}
	}
	return sb.String(), true
}

// streamSidecar runs a synchronous sidecar generation and replays the
// result as fixed-size token events.
func (s *Service) streamSidecar(ctx context.Context, req Request, p *prompt.Prompt, chatID string, out chan<- worker.Event) (string, bool) {
	res, err := s.deps.Sidecar.Generate(ctx, flatten(p.Messages()), req.MaxTokens, req.Temperature)
	if err != nil {
		out <- worker.Event{Event: worker.EventError, Message: err.Error(), ChatID: chatID}
		return "", false
	}
	if !res.OK {
		out <- worker.Event{Event: worker.EventError, Message: res.Error, ChatID: chatID}
		return "", false
	}

	for _, piece := range chunkText(res.Text, sidecarChunkLen) {
		if s.cancelled.Load() {
			out <- worker.Event{Event: worker.EventCancelled, ChatID: chatID}
			return "", false
		}
		out <- worker.Event{Event: worker.EventToken, Data: piece, ChatID: chatID}
	}
	return res.Text, true
}

// flatten renders a message array as a plain transcript for backends that
// take a single prompt string.
func flatten(msgs []worker.ChatMessage) string {
	var sb strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&sb, "%s: %s\n\n", m.Role, m.Content)
	}
	sb.WriteString("assistant:")
	return sb.String()
}

// chunkText splits s into rune-safe pieces of at most n runes.
func chunkText(s string, n int) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	out := make([]string, 0, len(runes)/n+1)
	for start := 0; start < len(runes); start += n {
		end := start + n
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

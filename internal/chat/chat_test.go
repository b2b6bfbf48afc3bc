package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	worker "github.com/lumenai/lumen-worker/internal"
	"github.com/lumenai/lumen-worker/internal/settings"
	"github.com/lumenai/lumen-worker/internal/sidecar"
	"github.com/lumenai/lumen-worker/internal/testutil"
)

type savedTurn struct {
	chatID, role, content, projectID string
	encrypt                          bool
}

type fakeConvs struct {
	mu      sync.Mutex
	nextID  string
	saves   []savedTurn
	turns   []worker.StoredMessage
	saveErr error
}

func (f *fakeConvs) SaveMessage(chatID, role, content, projectID string, encrypt bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return "", f.saveErr
	}
	if chatID == "" {
		chatID = f.nextID
	}
	f.saves = append(f.saves, savedTurn{chatID, role, content, projectID, encrypt})
	f.turns = append(f.turns, worker.StoredMessage{Role: role, Content: content})
	return chatID, nil
}

func (f *fakeConvs) Messages(string) ([]worker.StoredMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]worker.StoredMessage, len(f.turns))
	copy(out, f.turns)
	return out, nil
}

func (f *fakeConvs) saved() []savedTurn {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]savedTurn, len(f.saves))
	copy(out, f.saves)
	return out
}

type fakeMemory struct {
	mu          sync.Mutex
	keys        []string
	projectKeys []string
	entries     []worker.MemoryEntry
}

func (f *fakeMemory) Resolve(keys []string, projectID string, projectKeys []string) []worker.MemoryEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = keys
	f.projectKeys = projectKeys
	return f.entries
}

type fakeProjects struct {
	project *worker.Project
	err     error
}

func (f *fakeProjects) Get(string) (*worker.Project, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.project, nil
}

func newService(convs *fakeConvs, opts ...func(*Deps)) *Service {
	deps := Deps{
		Conversations: convs,
		Memory:        &fakeMemory{},
		Projects:      &fakeProjects{err: worker.ErrNotFound},
		Streamer:      &testutil.FakeStreamer{},
		Sidecar:       &testutil.FakeGenerator{},
		Search:        &testutil.FakeSearch{},
		Settings:      &testutil.FakeSettings{Current: settings.Settings{InternetAccess: true}},
		Audit:         &testutil.FakeAudit{},
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return New(deps)
}

func collect(t *testing.T, ch <-chan worker.Event) []worker.Event {
	t.Helper()
	var out []worker.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("stream did not finish, got %d events", len(out))
		}
	}
}

func TestStreamRejectsBadInput(t *testing.T) {
	t.Parallel()

	svc := newService(&fakeConvs{nextID: "c1"})
	tests := []struct {
		name string
		req  Request
	}{
		{"empty prompt", Request{Model: "llama3", Provider: ProviderOllama}},
		{"missing model", Request{Prompt: "hi", Provider: ProviderOllama}},
		{"unknown provider", Request{Prompt: "hi", Model: "llama3", Provider: "claude"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := svc.Stream(context.Background(), tt.req); !errors.Is(err, worker.ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestOllamaTurn(t *testing.T) {
	t.Parallel()

	convs := &fakeConvs{nextID: "chat-1"}
	streamer := &testutil.FakeStreamer{
		StreamFn: func(context.Context, string, []worker.ChatMessage) (<-chan worker.TokenChunk, error) {
			return testutil.FakeTokenChan(
				worker.TokenChunk{Text: "Hel"},
				worker.TokenChunk{Text: "lo"},
			), nil
		},
	}
	svc := newService(convs, func(d *Deps) { d.Streamer = streamer })

	ch, err := svc.Stream(context.Background(), Request{Model: "llama3", Provider: ProviderOllama, Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)

	if events[0].Event != worker.EventPromptPreview {
		t.Fatalf("first event = %q, want prompt_preview", events[0].Event)
	}
	if events[0].PromptID == "" {
		t.Error("prompt_preview missing prompt_id")
	}

	var tokens []string
	for _, ev := range events {
		if ev.Event == worker.EventToken {
			tokens = append(tokens, ev.Data.(string))
			if ev.ChatID != "chat-1" {
				t.Errorf("token chat_id = %q", ev.ChatID)
			}
		}
	}
	if got := strings.Join(tokens, ""); got != "Hello" {
		t.Errorf("streamed text = %q", got)
	}
	if last := events[len(events)-1]; last.Event != worker.EventDone || last.ChatID != "chat-1" {
		t.Errorf("last event = %+v, want done", last)
	}

	saves := convs.saved()
	if len(saves) != 2 {
		t.Fatalf("saves = %d, want user + assistant", len(saves))
	}
	if saves[1].role != "assistant" || saves[1].content != "Hello" {
		t.Errorf("assistant save = %+v", saves[1])
	}
}

func TestSidecarTurnChunksTokens(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("x", 199)
	convs := &fakeConvs{nextID: "chat-2"}
	gen := &testutil.FakeGenerator{
		GenerateFn: func(context.Context, string, int, float64) (*sidecar.GenResult, error) {
			return &sidecar.GenResult{OK: true, Text: text}, nil
		},
	}
	svc := newService(convs, func(d *Deps) { d.Sidecar = gen })

	ch, err := svc.Stream(context.Background(), Request{Model: "Mistral-7B-Instruct-v0.2", Provider: ProviderAirLLM, Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)

	var tokens []string
	for _, ev := range events {
		if ev.Event == worker.EventToken {
			s := ev.Data.(string)
			if len(s) > sidecarChunkLen {
				t.Errorf("chunk length %d exceeds %d", len(s), sidecarChunkLen)
			}
			tokens = append(tokens, s)
		}
	}
	if len(tokens) != 3 {
		t.Errorf("chunks = %d, want 3", len(tokens))
	}
	if strings.Join(tokens, "") != text {
		t.Error("chunks do not reassemble the full text")
	}
	saves := convs.saved()
	if saves[len(saves)-1].content != text {
		t.Error("assistant save must carry the full text")
	}
}

func TestCancelStopsAtTokenBoundary(t *testing.T) {
	t.Parallel()

	convs := &fakeConvs{nextID: "chat-3"}
	tokens := make(chan worker.TokenChunk)
	streamer := &testutil.FakeStreamer{
		StreamFn: func(context.Context, string, []worker.ChatMessage) (<-chan worker.TokenChunk, error) {
			return tokens, nil
		},
	}
	svc := newService(convs, func(d *Deps) { d.Streamer = streamer })

	ch, err := svc.Stream(context.Background(), Request{Model: "llama3", Provider: ProviderOllama, Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	if ev := <-ch; ev.Event != worker.EventPromptPreview {
		t.Fatalf("first event = %q", ev.Event)
	}
	tokens <- worker.TokenChunk{Text: "partial"}
	if ev := <-ch; ev.Event != worker.EventToken {
		t.Fatalf("second event = %q", ev.Event)
	}

	if !svc.Cancel("chat-3") {
		t.Fatal("cancel must match the active chat")
	}
	tokens <- worker.TokenChunk{Text: "more"}

	events := collect(t, ch)
	if len(events) != 1 || events[0].Event != worker.EventCancelled {
		t.Fatalf("events after cancel = %+v, want single cancelled", events)
	}

	for _, s := range convs.saved() {
		if s.role == "assistant" {
			t.Error("partial response must not be persisted")
		}
	}
	if svc.ActiveChat() != "" {
		t.Error("active chat must be cleared")
	}
}

func TestCancelWrongChatIgnored(t *testing.T) {
	t.Parallel()

	svc := newService(&fakeConvs{nextID: "chat-4"})
	if svc.Cancel("other") {
		t.Error("cancel must not match an idle service")
	}
}

func TestWebSearchRequiresInternetAccess(t *testing.T) {
	t.Parallel()

	convs := &fakeConvs{nextID: "chat-5"}
	svc := newService(convs, func(d *Deps) {
		d.Settings = &testutil.FakeSettings{Current: settings.Settings{InternetAccess: false}}
	})

	ch, err := svc.Stream(context.Background(), Request{
		Model: "llama3", Provider: ProviderOllama, Prompt: "hi", WebQuery: "weather",
	})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)
	last := events[len(events)-1]
	if last.Event != worker.EventError || !strings.Contains(last.Message, "internet access") {
		t.Fatalf("last event = %+v, want internet access error", last)
	}
}

func TestWebResultsReachPrompt(t *testing.T) {
	t.Parallel()

	convs := &fakeConvs{nextID: "chat-6"}
	streamer := &testutil.FakeStreamer{}
	svc := newService(convs, func(d *Deps) {
		d.Streamer = streamer
		d.Search = &testutil.FakeSearch{
			SearchFn: func(_ context.Context, q string, n int) ([]string, error) {
				if n != 2 {
					t.Errorf("maxResults = %d, want 2", n)
				}
				return []string{"sunny tomorrow"}, nil
			},
		}
	})

	ch, err := svc.Stream(context.Background(), Request{
		Model: "llama3", Provider: ProviderOllama, Prompt: "hi",
		WebQuery: "weather", WebMaxResults: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	collect(t, ch)

	if len(streamer.LastMsgs) == 0 {
		t.Fatal("streamer never called")
	}
	system := streamer.LastMsgs[0].Content
	if !strings.Contains(system, "WEB RESULTS") || !strings.Contains(system, "sunny tomorrow") {
		t.Errorf("system message missing web results: %q", system)
	}
}

func TestProjectMemoryKeysResolved(t *testing.T) {
	t.Parallel()

	// The resolver unions explicit and project-declared keys; the service
	// must hand it both sets and carry whatever it returns into the prompt.
	mem := &fakeMemory{entries: []worker.MemoryEntry{
		{Key: "stack", Value: "Go and chi", MemoryType: worker.MemoryProject},
	}}
	streamer := &testutil.FakeStreamer{}
	svc := newService(&fakeConvs{nextID: "chat-7"}, func(d *Deps) {
		d.Memory = mem
		d.Streamer = streamer
		d.Projects = &fakeProjects{project: &worker.Project{ID: "p1", MemoryKeys: []string{"stack", "style"}}}
	})

	ch, err := svc.Stream(context.Background(), Request{
		Model: "llama3", Provider: ProviderOllama, Prompt: "hi",
		ProjectID: "p1", MemoryKeys: []string{"name"},
	})
	if err != nil {
		t.Fatal(err)
	}
	collect(t, ch)

	mem.mu.Lock()
	defer mem.mu.Unlock()
	if len(mem.keys) != 1 || mem.keys[0] != "name" {
		t.Errorf("explicit keys = %v", mem.keys)
	}
	if len(mem.projectKeys) != 2 {
		t.Errorf("project keys = %v", mem.projectKeys)
	}
	if len(streamer.LastMsgs) == 0 {
		t.Fatal("streamer never called")
	}
	if system := streamer.LastMsgs[0].Content; !strings.Contains(system, "Go and chi") {
		t.Errorf("system message missing project memory: %q", system)
	}
}

func TestStreamErrorDropsPartial(t *testing.T) {
	t.Parallel()

	convs := &fakeConvs{nextID: "chat-8"}
	streamer := &testutil.FakeStreamer{
		StreamFn: func(context.Context, string, []worker.ChatMessage) (<-chan worker.TokenChunk, error) {
			ch := make(chan worker.TokenChunk, 2)
			ch <- worker.TokenChunk{Text: "par"}
			ch <- worker.TokenChunk{Err: errors.New("connection reset")}
			close(ch)
			return ch, nil
		},
	}
	svc := newService(convs, func(d *Deps) { d.Streamer = streamer })

	ch, err := svc.Stream(context.Background(), Request{Model: "llama3", Provider: ProviderOllama, Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)
	last := events[len(events)-1]
	if last.Event != worker.EventError || !strings.Contains(last.Message, "connection reset") {
		t.Fatalf("last event = %+v", last)
	}
	for _, s := range convs.saved() {
		if s.role == "assistant" {
			t.Error("partial response must not be persisted")
		}
	}
}

func TestSidecarFailureSurfaces(t *testing.T) {
	t.Parallel()

	gen := &testutil.FakeGenerator{
		GenerateFn: func(context.Context, string, int, float64) (*sidecar.GenResult, error) {
			return nil, worker.ErrBusy
		},
	}
	svc := newService(&fakeConvs{nextID: "chat-9"}, func(d *Deps) { d.Sidecar = gen })

	ch, err := svc.Stream(context.Background(), Request{Model: "Llama-2-7b-chat-hf", Provider: ProviderAirLLM, Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)
	if last := events[len(events)-1]; last.Event != worker.EventError {
		t.Fatalf("last event = %+v, want error", last)
	}
}

func TestAuditReceivesMetadataOnly(t *testing.T) {
	t.Parallel()

	aud := &testutil.FakeAudit{}
	svc := newService(&fakeConvs{nextID: "chat-10"}, func(d *Deps) { d.Audit = aud })

	ch, err := svc.Stream(context.Background(), Request{Model: "llama3", Provider: ProviderOllama, Prompt: "a secret question"})
	if err != nil {
		t.Fatal(err)
	}
	collect(t, ch)

	if len(aud.Prompts) != 1 {
		t.Fatalf("audited prompts = %d", len(aud.Prompts))
	}
	for _, comp := range aud.Prompts[0]["components"].([]map[string]any) {
		if c, ok := comp["content"]; ok {
			t.Errorf("audit metadata leaked content: %v", c)
		}
	}
}

// Package worker defines domain types and interfaces for the Lumen desktop
// worker. This package has no project imports -- it is the dependency root.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// App identity reported on public surfaces and QR payloads.
const (
	AppName    = "lumen"
	AppVersion = "1.4.0"
)

// --- Wire protocol ---

// MaxPayloadBytes is the largest serialized payload accepted for a single
// request. Anything larger is rejected before dispatch.
const MaxPayloadBytes = 1 << 20

// Request is one newline-delimited JSON frame read from the host process.
type Request struct {
	ID      string          `json:"id"`
	Cmd     string          `json:"cmd"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the terminal frame for a request. Status is "ok" or "error";
// exactly one of Data and Err is set.
type Response struct {
	ID     string     `json:"id"`
	Status string     `json:"status"`
	Data   any        `json:"data,omitempty"`
	Err    *WireError `json:"error,omitempty"`
}

// WireError carries a stable machine-readable code plus a human message.
// RetryAfter is set only on rate-limit denials, in seconds.
type WireError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter *int   `json:"retry_after,omitempty"`
}

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Wire error codes. The host UI switches on these, so they are contract.
const (
	CodePermissionDenied  = "PERMISSION_DENIED"
	CodePayloadTooLarge   = "PAYLOAD_TOO_LARGE"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeCmdErr            = "CMD_ERR"
	CodeLicenseRequired   = "LICENSE_REQUIRED"
	CodeOllamaCLI         = "OLLAMA_CLI_ERROR"
	CodeModelList         = "MODEL_LIST_ERROR"
)

// OK builds a success response.
func OK(id string, data any) *Response {
	return &Response{ID: id, Status: StatusOK, Data: data}
}

// Fail builds an error response with a wire code.
func Fail(id, code, message string) *Response {
	return &Response{ID: id, Status: StatusError, Err: &WireError{Code: code, Message: message}}
}

// --- Stream events ---

// Event names emitted on streaming commands.
const (
	EventToken         = "token"
	EventDone          = "done"
	EventError         = "error"
	EventCancelled     = "cancelled"
	EventProgress      = "progress"
	EventPromptPreview = "prompt_preview"
)

// Event is an out-of-band frame emitted while a streaming command runs.
// The pump stamps ID with the originating request id before writing.
// Fields are a union across event kinds; unused ones stay empty.
type Event struct {
	ID       string `json:"id,omitempty"`
	Event    string `json:"event"`
	Data     any    `json:"data,omitempty"`
	ChatID   string `json:"chat_id,omitempty"`
	Message  string `json:"message,omitempty"`
	Model    string `json:"model,omitempty"`
	Progress *int   `json:"progress,omitempty"`
	PromptID string `json:"prompt_id,omitempty"`
	Prompt   any    `json:"prompt_dict,omitempty"`
}

// --- Permissions ---

// Permission is a named capability a host must grant before the guarded
// command groups become callable.
type Permission string

const (
	PermRepoAnalyze    Permission = "RepoAnalyze"
	PermMemoryAccess   Permission = "MemoryAccess"
	PermRemoteAccess   Permission = "RemoteAccess"
	PermCommandExecute Permission = "CommandExecute"
)

// ParsePermission maps a wire string to a known Permission.
func ParsePermission(s string) (Permission, bool) {
	switch Permission(s) {
	case PermRepoAnalyze, PermMemoryAccess, PermRemoteAccess, PermCommandExecute:
		return Permission(s), true
	}
	return "", false
}

// --- Conversations ---

// StoredMessage is one turn persisted inside a conversation file.
type StoredMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is the full on-disk conversation record.
type Conversation struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	ProjectID string          `json:"project_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Messages  []StoredMessage `json:"messages"`
}

// ConversationMeta is the listing view of a conversation: everything except
// message bodies.
type ConversationMeta struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	ProjectID    string    `json:"project_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	Encrypted    bool      `json:"encrypted"`
}

// --- Memory ---

// Memory scopes.
const (
	MemoryUser    = "user"
	MemoryProject = "project"
	MemorySession = "session"
)

// MemoryEntry is one key/value fact stored for prompt assembly.
type MemoryEntry struct {
	Key        string         `json:"key"`
	Value      string         `json:"value"`
	MemoryType string         `json:"memory_type"`
	ProjectID  string         `json:"project_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// --- Projects ---

// ProjectRepo is a repository attached to a project.
type ProjectRepo struct {
	Path       string        `json:"path"`
	AttachedAt time.Time     `json:"attachedAt"`
	Analysis   *RepoAnalysis `json:"analysis,omitempty"`
}

// ProjectPermissions scopes what a project's context may touch.
type ProjectPermissions struct {
	Read   bool     `json:"read"`
	Write  bool     `json:"write"`
	Custom []string `json:"custom,omitempty"`
}

// ProjectSettings holds per-project chat defaults.
type ProjectSettings struct {
	DefaultModel string `json:"defaultModel,omitempty"`
	AutoLoadRepo bool   `json:"autoLoadRepo"`
	ContextMode  string `json:"contextMode,omitempty"`
}

// Project groups conversations, repositories and memory keys.
type Project struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	Description    string             `json:"description,omitempty"`
	ScopePath      string             `json:"scopePath,omitempty"`
	Repos          []ProjectRepo      `json:"repos"`
	MemoryKeys     []string           `json:"memoryKeys"`
	Permissions    ProjectPermissions `json:"permissions"`
	Settings       ProjectSettings    `json:"settings"`
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
	LastAccessedAt time.Time          `json:"lastAccessedAt"`
}

// --- Repository analysis ---

// RepoAnalysis is the result of scanning an attached repository.
type RepoAnalysis struct {
	RepoPath   string         `json:"repo_path"`
	Structure  map[string]any `json:"structure"`
	Stack      map[string]any `json:"stack"`
	Summary    string         `json:"summary"`
	TechDebt   []string       `json:"tech_debt"`
	AnalyzedAt time.Time      `json:"analyzed_at"`
	FileCount  int            `json:"file_count"`
	TotalSize  int64          `json:"total_size"`
}

// --- LLM streaming ---

// ChatMessage is one turn handed to an LLM backend.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenChunk is one unit of a streamed completion. Done marks the final
// chunk; Err, when set, terminates the stream.
type TokenChunk struct {
	Text string
	Done bool
	Err  error
}

// ChatStreamer streams completion tokens for a rendered conversation.
type ChatStreamer interface {
	ChatStream(ctx context.Context, model string, msgs []ChatMessage) (<-chan TokenChunk, error)
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
type requestMeta struct {
	RequestID string
	ClientID  string
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// RequestIDFromContext extracts the originating request id from ctx.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ClientIDFromContext extracts the rate-limit client id from ctx.
// Stdio requests use LocalClient; remote requests carry the caller IP.
func ClientIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil && m.ClientID != "" {
		return m.ClientID
	}
	return LocalClient
}

// ContextWithRequest returns a context carrying request id and client id.
func ContextWithRequest(ctx context.Context, requestID, clientID string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: requestID, ClientID: clientID})
}

// LocalClient identifies the host UI on the stdio channel.
const LocalClient = "local"

// --- Shared helpers ---

// HashToken returns the hex-encoded SHA-256 of a raw access token.
// Only hashes are ever written to disk.
func HashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

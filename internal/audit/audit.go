// Package audit appends JSON-lines records of security-relevant activity
// under <root>/audit. Entries carry metadata only, never user content.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Action types recorded in the main log.
const (
	ActionFileRead          = "file_read"
	ActionFileWrite         = "file_write"
	ActionFileDelete        = "file_delete"
	ActionCommandExecute    = "command_execute"
	ActionMemoryWrite       = "memory_write"
	ActionMemoryDelete      = "memory_delete"
	ActionPromptSent        = "prompt_sent"
	ActionRemoteAccess      = "remote_access"
	ActionRemoteRevoked     = "remote_access_revoked"
	ActionPermissionGranted = "permission_granted"
	ActionPermissionDenied  = "permission_denied"
)

// Log file names under the audit directory.
const (
	fileActions = "actions.log"
	fileFiles   = "file_access.log"
	fileRemote  = "remote_access.log"
	filePrompts = "prompts.log"
)

// Entry is one audit record.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Details   map[string]any `json:"details,omitempty"`
}

// Log writes audit entries. One mutex serializes all files; audit volume
// is low.
type Log struct {
	mu  sync.Mutex
	dir string
}

// New returns a Log rooted at dataRoot.
func New(dataRoot string) *Log {
	return &Log{dir: filepath.Join(dataRoot, "audit")}
}

// Action records a generic action entry.
func (l *Log) Action(actionType string, details map[string]any) error {
	return l.append(fileActions, actionType, details)
}

// FileAccess records a data-file operation.
func (l *Log) FileAccess(op, path string) error {
	return l.append(fileFiles, op, map[string]any{"path": path})
}

// Remote records remote-access lifecycle events (token issued, request
// served, access revoked).
func (l *Log) Remote(event string, details map[string]any) error {
	return l.append(fileRemote, event, details)
}

// Prompt records prompt metadata (types and sizes, no content).
func (l *Log) Prompt(metadata map[string]any) error {
	return l.append(filePrompts, ActionPromptSent, metadata)
}

// Export reads back every entry of one log file, oldest first.
func (l *Log) Export(name string) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(filepath.Join(l.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var e Entry
		if json.Unmarshal(sc.Bytes(), &e) == nil {
			out = append(out, e)
		}
	}
	return out, sc.Err()
}

// Stats counts entries per type in one log file.
func (l *Log) Stats(name string) (map[string]int, error) {
	entries, err := l.Export(name)
	if err != nil {
		return nil, err
	}
	stats := make(map[string]int)
	for _, e := range entries {
		stats[e.Type]++
	}
	return stats, nil
}

func (l *Log) append(name, entryType string, details map[string]any) error {
	e := Entry{Timestamp: time.Now().UTC(), Type: entryType, Details: details}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(l.dir, 0o700); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(l.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

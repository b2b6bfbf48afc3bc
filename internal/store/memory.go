package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	worker "github.com/lumenai/lumen-worker/internal"
)

const memoryLabel = "memory"

// memoryFile is the on-disk shape of a memory scope.
type memoryFile struct {
	Entries     map[string]worker.MemoryEntry `json:"entries"`
	LastUpdated time.Time                     `json:"last_updated"`
}

// Memory stores key/value facts in three scopes: user (one file), project
// (one file per project) and session (in-memory only, lost on exit).
type Memory struct {
	mu      sync.Mutex
	dir     string
	files   *Files
	session map[string]worker.MemoryEntry
}

// NewMemory returns a memory store rooted at dataRoot.
func NewMemory(dataRoot string, files *Files) *Memory {
	return &Memory{
		dir:     filepath.Join(dataRoot, "memory"),
		files:   files,
		session: make(map[string]worker.MemoryEntry),
	}
}

func (m *Memory) scopePath(memType, projectID string) (string, error) {
	switch memType {
	case worker.MemoryUser:
		return filepath.Join(m.dir, "user.json"), nil
	case worker.MemoryProject:
		if projectID == "" {
			return "", fmt.Errorf("%w: project memory requires project_id", worker.ErrInvalidInput)
		}
		return filepath.Join(m.dir, "projects", projectID+".json"), nil
	default:
		return "", fmt.Errorf("%w: unknown memory type %q", worker.ErrInvalidInput, memType)
	}
}

// Save upserts an entry in the given scope.
func (m *Memory) Save(key, value, memType, projectID string, metadata map[string]any) (*worker.MemoryEntry, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: memory key is empty", worker.ErrInvalidInput)
	}
	now := time.Now().UTC()
	entry := worker.MemoryEntry{
		Key: key, Value: value, MemoryType: memType,
		ProjectID: projectID, CreatedAt: now, UpdatedAt: now, Metadata: metadata,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if memType == worker.MemorySession {
		if prev, ok := m.session[key]; ok {
			entry.CreatedAt = prev.CreatedAt
		}
		m.session[key] = entry
		return &entry, nil
	}

	path, err := m.scopePath(memType, projectID)
	if err != nil {
		return nil, err
	}
	file, err := m.loadFile(path)
	if err != nil {
		return nil, err
	}
	if prev, ok := file.Entries[key]; ok {
		entry.CreatedAt = prev.CreatedAt
	}
	file.Entries[key] = entry
	file.LastUpdated = now
	if err := m.writeFile(path, file); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Get returns one entry, or worker.ErrNotFound.
func (m *Memory) Get(key, memType, projectID string) (*worker.MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if memType == worker.MemorySession {
		if e, ok := m.session[key]; ok {
			return &e, nil
		}
		return nil, fmt.Errorf("memory %s: %w", key, worker.ErrNotFound)
	}

	path, err := m.scopePath(memType, projectID)
	if err != nil {
		return nil, err
	}
	file, err := m.loadFile(path)
	if err != nil {
		return nil, err
	}
	if e, ok := file.Entries[key]; ok {
		return &e, nil
	}
	return nil, fmt.Errorf("memory %s: %w", key, worker.ErrNotFound)
}

// List returns all entries of a scope with values blanked; listing shows
// what exists without exposing content.
func (m *Memory) List(memType, projectID string) ([]worker.MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries map[string]worker.MemoryEntry
	if memType == worker.MemorySession {
		entries = m.session
	} else {
		path, err := m.scopePath(memType, projectID)
		if err != nil {
			return nil, err
		}
		file, err := m.loadFile(path)
		if err != nil {
			return nil, err
		}
		entries = file.Entries
	}

	out := make([]worker.MemoryEntry, 0, len(entries))
	for _, e := range entries {
		e.Value = ""
		out = append(out, e)
	}
	return out, nil
}

// Delete removes one entry from a scope.
func (m *Memory) Delete(key, memType, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if memType == worker.MemorySession {
		if _, ok := m.session[key]; !ok {
			return fmt.Errorf("memory %s: %w", key, worker.ErrNotFound)
		}
		delete(m.session, key)
		return nil
	}

	path, err := m.scopePath(memType, projectID)
	if err != nil {
		return err
	}
	file, err := m.loadFile(path)
	if err != nil {
		return err
	}
	if _, ok := file.Entries[key]; !ok {
		return fmt.Errorf("memory %s: %w", key, worker.ErrNotFound)
	}
	delete(file.Entries, key)
	file.LastUpdated = time.Now().UTC()
	return m.writeFile(path, file)
}

// ClearSession drops every session-scope entry.
func (m *Memory) ClearSession() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.session)
	m.session = make(map[string]worker.MemoryEntry)
	return n
}

// Resolve assembles prompt memory from the union of explicitly requested
// keys and the keys the project declares, so a chat inside a project sees
// the project's memory even when the request names none. Project-declared
// keys read from project scope, anything else from user scope. Missing
// keys are skipped.
func (m *Memory) Resolve(keys []string, projectID string, projectKeys []string) []worker.MemoryEntry {
	inProject := make(map[string]bool, len(projectKeys))
	for _, k := range projectKeys {
		inProject[k] = true
	}

	all := make([]string, 0, len(keys)+len(projectKeys))
	all = append(all, keys...)
	all = append(all, projectKeys...)

	seen := make(map[string]bool, len(all))
	out := make([]worker.MemoryEntry, 0, len(all))
	for _, k := range all {
		if seen[k] {
			continue
		}
		seen[k] = true
		var e *worker.MemoryEntry
		var err error
		if inProject[k] && projectID != "" {
			e, err = m.Get(k, worker.MemoryProject, projectID)
		} else {
			e, err = m.Get(k, worker.MemoryUser, "")
		}
		if err != nil {
			continue
		}
		out = append(out, *e)
	}
	return out
}

func (m *Memory) loadFile(path string) (*memoryFile, error) {
	data, _, err := m.files.Read(path, memoryLabel)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &memoryFile{Entries: make(map[string]worker.MemoryEntry)}, nil
		}
		return nil, fmt.Errorf("read memory file: %w", err)
	}
	var file memoryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse memory file: %w", err)
	}
	if file.Entries == nil {
		file.Entries = make(map[string]worker.MemoryEntry)
	}
	return &file, nil
}

func (m *Memory) writeFile(path string, file *memoryFile) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode memory file: %w", err)
	}
	return m.files.Write(path, data, memoryLabel, false)
}

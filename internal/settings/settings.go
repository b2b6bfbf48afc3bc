// Package settings persists the user-facing worker settings as a single
// JSON document, merging saved values over defaults on load.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Settings are the host-visible knobs. Field names match the UI contract.
type Settings struct {
	UserName         string `json:"userName"`
	Language         string `json:"language"`
	InternetAccess   bool   `json:"internetAccess"`
	RunAtStartup     bool   `json:"runAtStartup"`
	AutoUpdate       bool   `json:"autoUpdate"`
	OllamaModelsPath string `json:"ollama_models_path"`
}

// Defaults returns the out-of-box settings.
func Defaults() Settings {
	return Settings{Language: "en", AutoUpdate: true}
}

// StartupRegistrar applies the run-at-startup choice to the OS. The real
// implementation writes or removes an autostart entry; tests use a fake.
type StartupRegistrar interface {
	SetStartup(enabled bool) error
}

// NoopRegistrar ignores startup registration, for platforms where the
// host installer owns it.
type NoopRegistrar struct{}

func (NoopRegistrar) SetStartup(bool) error { return nil }

// Store loads and saves settings at <root>/settings.json.
type Store struct {
	mu      sync.Mutex
	path    string
	startup StartupRegistrar
}

// NewStore returns a settings store rooted at dataRoot.
func NewStore(dataRoot string, startup StartupRegistrar) *Store {
	if startup == nil {
		startup = NoopRegistrar{}
	}
	return &Store{path: filepath.Join(dataRoot, "settings.json"), startup: startup}
}

// Load returns the saved settings merged over defaults. A missing or
// unreadable file yields plain defaults.
func (s *Store) Load() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() Settings {
	out := Defaults()
	data, err := os.ReadFile(s.path)
	if err != nil {
		return out
	}
	// Unmarshal over the defaults struct: absent keys keep their default.
	if err := json.Unmarshal(data, &out); err != nil {
		return Defaults()
	}
	return out
}

// Save persists the settings and applies the startup registration when
// that flag changed.
func (s *Store) Save(next Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.load()

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace settings: %w", err)
	}

	if prev.RunAtStartup != next.RunAtStartup {
		if err := s.startup.SetStartup(next.RunAtStartup); err != nil {
			return fmt.Errorf("apply startup setting: %w", err)
		}
	}
	return nil
}

// Patch merges a partial JSON payload into the current settings and saves
// the result.
func (s *Store) Patch(raw json.RawMessage) (Settings, error) {
	s.mu.Lock()
	cur := s.load()
	s.mu.Unlock()

	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cur); err != nil {
			return cur, fmt.Errorf("parse settings payload: %w", err)
		}
	}
	return cur, s.Save(cur)
}

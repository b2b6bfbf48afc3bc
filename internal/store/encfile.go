// Package store persists worker state under the per-user data root:
// conversations, memory entries and projects, each as JSON files that may
// individually be wrapped in the encryption envelope.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/lumenai/lumen-worker/internal/cryptobox"

	worker "github.com/lumenai/lumen-worker/internal"
)

// Files reads and writes data files, preserving each file's encryption
// branch: a file written encrypted stays encrypted on rewrite, and a
// rewrite that would silently downgrade to plaintext is refused.
type Files struct {
	box *cryptobox.Box
}

// NewFiles returns a Files helper sealing with box.
func NewFiles(box *cryptobox.Box) *Files {
	return &Files{box: box}
}

// Read loads path, opening the envelope when present. The encrypted return
// reports which branch the file was on.
func (f *Files) Read(path, label string) (data []byte, encrypted bool, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	if !cryptobox.IsEncrypted(raw) {
		return raw, false, nil
	}
	plain, err := f.box.Decrypt(string(raw), label)
	if err != nil {
		return nil, true, err
	}
	return plain, true, nil
}

// Write stores data at path atomically. encrypt requests the encrypted
// branch; an existing encrypted file forces it regardless. Writing the
// encrypted branch without a key fails with worker.ErrNoKey instead of
// downgrading to plaintext.
func (f *Files) Write(path string, data []byte, label string, encrypt bool) error {
	if prev, err := os.ReadFile(path); err == nil && cryptobox.IsEncrypted(prev) {
		encrypt = true
	}

	out := data
	if encrypt {
		if !f.box.HasKey() {
			return fmt.Errorf("write %s: %w", filepath.Base(path), worker.ErrNoKey)
		}
		env, err := f.box.Encrypt(data, label)
		if err != nil {
			return fmt.Errorf("write %s: %w", filepath.Base(path), err)
		}
		out = []byte(env)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Package cryptobox implements the at-rest encryption envelope: AES-256-GCM
// over a PBKDF2-derived master key, serialized as "ENC:" + base64(nonce ‖
// ciphertext ‖ tag). The master key lives only in process memory.
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	worker "github.com/lumenai/lumen-worker/internal"
)

// Prefix marks an encrypted file or field. Data without it is plaintext
// and must never be run through the decryptor.
const Prefix = "ENC:"

const (
	iterations = 100_000
	saltLen    = 16
	keyLen     = 32
	nonceLen   = 12
)

// Box derives and holds the master key and seals/opens envelopes with it.
type Box struct {
	mu       sync.RWMutex
	key      []byte
	saltPath string
}

// New returns a Box that persists its key-derivation salt at saltPath.
// No key is available until SetPassword is called.
func New(saltPath string) *Box {
	return &Box{saltPath: saltPath}
}

// SetPassword derives the master key from password and the per-user salt,
// creating the salt on first use.
func (b *Box) SetPassword(password string) error {
	salt, err := b.loadOrCreateSalt()
	if err != nil {
		return err
	}
	key := pbkdf2.Key([]byte(password), salt, iterations, keyLen, sha256.New)

	b.mu.Lock()
	b.key = key
	b.mu.Unlock()
	return nil
}

// HasKey reports whether a master key is currently set.
func (b *Box) HasKey() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.key != nil
}

// Clear forgets the master key.
func (b *Box) Clear() {
	b.mu.Lock()
	b.key = nil
	b.mu.Unlock()
}

// IsEncrypted reports whether data carries the envelope prefix.
func IsEncrypted(data []byte) bool {
	return len(data) >= len(Prefix) && string(data[:len(Prefix)]) == Prefix
}

// Encrypt seals plaintext into an envelope string. The label is bound as
// associated data, tying the ciphertext to its record type.
func (b *Box) Encrypt(plaintext []byte, label string) (string, error) {
	gcm, err := b.cipher()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, []byte(label))
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an envelope produced by Encrypt with the same label.
// Authentication failure (wrong password or tampering) yields
// worker.ErrBadPassword.
func (b *Box) Decrypt(envelope string, label string) ([]byte, error) {
	if !strings.HasPrefix(envelope, Prefix) {
		return nil, fmt.Errorf("%w: data is not an encryption envelope", worker.ErrInvalidInput)
	}
	gcm, err := b.cipher()
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(envelope[len(Prefix):])
	if err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if len(raw) < nonceLen+gcm.Overhead() {
		return nil, fmt.Errorf("%w: envelope too short", worker.ErrInvalidInput)
	}
	plaintext, err := gcm.Open(nil, raw[:nonceLen], raw[nonceLen:], []byte(label))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", worker.ErrBadPassword, err)
	}
	return plaintext, nil
}

func (b *Box) cipher() (cipher.AEAD, error) {
	b.mu.RLock()
	key := b.key
	b.mu.RUnlock()
	if key == nil {
		return nil, worker.ErrNoKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}

func (b *Box) loadOrCreateSalt() ([]byte, error) {
	salt, err := os.ReadFile(b.saltPath)
	if err == nil && len(salt) == saltLen {
		return salt, nil
	}
	salt = make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(b.saltPath), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(b.saltPath, salt, 0o600); err != nil {
		return nil, fmt.Errorf("persist salt: %w", err)
	}
	return salt, nil
}

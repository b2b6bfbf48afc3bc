// Package remote implements the authenticated HTTP surface and the
// cloudflared tunnel lifecycle for remote access to the worker.
package remote

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	worker "github.com/lumenai/lumen-worker/internal"
	"github.com/lumenai/lumen-worker/internal/cryptobox"
	"github.com/lumenai/lumen-worker/internal/validate"
)

const tokenLabel = "tunnel_auth_token"

// Expiry bounds for generated tokens, in hours.
const (
	MinExpiryHours     = 1
	MaxExpiryHours     = 720
	DefaultExpiryHours = 24
)

// Custom token length bounds.
const (
	customTokenMinLen = 8
	customTokenMaxLen = 32
)

// Config is the persisted remote-access state at tunnel/tunnel_config.json.
// TokenHash may be encrypted at rest when a master key is set.
type Config struct {
	TokenHash   string    `json:"token_hash,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	CustomToken bool      `json:"custom_token,omitempty"`
	AllowedIPs  []string  `json:"allowed_ips,omitempty"`
	NamedTunnel string    `json:"named_tunnel,omitempty"`
}

// Tokens issues and validates remote-access bearer tokens. Only sha256
// hashes are persisted; the clear token leaves the process exactly once.
type Tokens struct {
	mu   sync.Mutex
	path string
	box  *cryptobox.Box
	cfg  Config
	now  func() time.Time
}

// NewTokens loads or initializes the config under dataRoot. box may be nil
// when hashes are stored unencrypted.
func NewTokens(dataRoot string, box *cryptobox.Box) (*Tokens, error) {
	t := &Tokens{
		path: filepath.Join(dataRoot, "tunnel", "tunnel_config.json"),
		box:  box,
		now:  time.Now,
	}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

// Generate issues a fresh 256-bit token valid for expiryHours, clamped to
// [1,720] with a 24h default. The clear token is returned exactly once.
func (t *Tokens) Generate(expiryHours int) (token string, expiresAt time.Time, err error) {
	if expiryHours <= 0 {
		expiryHours = DefaultExpiryHours
	}
	if expiryHours < MinExpiryHours {
		expiryHours = MinExpiryHours
	}
	if expiryHours > MaxExpiryHours {
		expiryHours = MaxExpiryHours
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, fmt.Errorf("generate token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(raw)
	expiresAt = t.now().Add(time.Duration(expiryHours) * time.Hour).UTC()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg.TokenHash = worker.HashToken(token)
	t.cfg.ExpiresAt = expiresAt
	t.cfg.CustomToken = false
	if err := t.save(); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// SetCustom installs a caller-chosen token. Length must be in [8,32] and
// the token must mix uppercase, lowercase and digits. The returned
// strength is "good" for 12+ characters, "fair" below.
func (t *Tokens) SetCustom(token string) (strength string, err error) {
	if err := ValidateCustom(token); err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg.TokenHash = worker.HashToken(token)
	t.cfg.ExpiresAt = time.Time{} // custom tokens do not expire
	t.cfg.CustomToken = true
	if err := t.save(); err != nil {
		return "", err
	}
	if len(token) >= 12 {
		return "good", nil
	}
	return "fair", nil
}

// ValidateCustom checks the custom-token policy without storing anything.
func ValidateCustom(token string) error {
	if len(token) < customTokenMinLen || len(token) > customTokenMaxLen {
		return fmt.Errorf("custom token length must be between %d and %d characters: %w",
			customTokenMinLen, customTokenMaxLen, worker.ErrInvalidInput)
	}
	var upper, lower, digit bool
	for _, r := range token {
		switch {
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= '0' && r <= '9':
			digit = true
		}
	}
	if !upper || !lower || !digit {
		return fmt.Errorf("custom token must contain uppercase, lowercase and digit characters: %w",
			worker.ErrInvalidInput)
	}
	return nil
}

// Validate checks token against the stored hash and expiry.
func (t *Tokens) Validate(token string) error {
	t.mu.Lock()
	hash := t.cfg.TokenHash
	expires := t.cfg.ExpiresAt
	t.mu.Unlock()

	if hash == "" || token == "" {
		return worker.ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(worker.HashToken(token)), []byte(hash)) != 1 {
		return worker.ErrUnauthorized
	}
	if !expires.IsZero() && expires.Before(t.now()) {
		return worker.ErrTokenExpired
	}
	return nil
}

// HasToken reports whether a token is installed.
func (t *Tokens) HasToken() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg.TokenHash != ""
}

// AllowIP adds ip to the allowlist after validation.
func (t *Tokens) AllowIP(ip string) error {
	if err := validate.IPAddress(ip); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, existing := range t.cfg.AllowedIPs {
		if existing == ip {
			return nil
		}
	}
	t.cfg.AllowedIPs = append(t.cfg.AllowedIPs, ip)
	return t.save()
}

// RemoveIP drops ip from the allowlist.
func (t *Tokens) RemoveIP(ip string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.cfg.AllowedIPs[:0]
	found := false
	for _, existing := range t.cfg.AllowedIPs {
		if existing == ip {
			found = true
			continue
		}
		kept = append(kept, existing)
	}
	if !found {
		return fmt.Errorf("ip %s not in allowlist: %w", ip, worker.ErrNotFound)
	}
	t.cfg.AllowedIPs = kept
	return t.save()
}

// AllowedIPs returns a copy of the allowlist.
func (t *Tokens) AllowedIPs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.cfg.AllowedIPs))
	copy(out, t.cfg.AllowedIPs)
	return out
}

// SetNamedTunnel persists the named-tunnel identifier; empty reverts to
// quick tunnels.
func (t *Tokens) SetNamedTunnel(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg.NamedTunnel = name
	return t.save()
}

// NamedTunnel returns the configured named tunnel, or "".
func (t *Tokens) NamedTunnel() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg.NamedTunnel
}

// Snapshot returns a copy of the persisted config.
func (t *Tokens) Snapshot() Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	cfg := t.cfg
	cfg.AllowedIPs = append([]string(nil), t.cfg.AllowedIPs...)
	return cfg
}

func (t *Tokens) load() error {
	raw, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read tunnel config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("parse tunnel config: %w", err)
	}
	if t.box != nil && cryptobox.IsEncrypted([]byte(cfg.TokenHash)) {
		plain, err := t.box.Decrypt(cfg.TokenHash, tokenLabel)
		if err != nil {
			// Key not set yet or wrong password. Keep the envelope so
			// validation fails closed until the hash is replaced.
			slog.Warn("token hash undecryptable, remote auth disabled until a new token is issued", "error", err)
		} else {
			cfg.TokenHash = string(plain)
		}
	}
	t.cfg = cfg
	return nil
}

// save persists the config; the caller holds the lock.
func (t *Tokens) save() error {
	cfg := t.cfg
	if t.box != nil && t.box.HasKey() && cfg.TokenHash != "" {
		enc, err := t.box.Encrypt([]byte(cfg.TokenHash), tokenLabel)
		if err != nil {
			return fmt.Errorf("encrypt token hash: %w", err)
		}
		cfg.TokenHash = enc
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tunnel config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o700); err != nil {
		return fmt.Errorf("create tunnel dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(t.path), ".tunnel-*")
	if err != nil {
		return fmt.Errorf("write tunnel config: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write tunnel config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write tunnel config: %w", err)
	}
	if err := os.Rename(tmp.Name(), t.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write tunnel config: %w", err)
	}
	return nil
}

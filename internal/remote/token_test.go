package remote

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	worker "github.com/lumenai/lumen-worker/internal"
	"github.com/lumenai/lumen-worker/internal/cryptobox"
)

func newTokens(t *testing.T) (*Tokens, string) {
	t.Helper()
	root := t.TempDir()
	tok, err := NewTokens(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	return tok, root
}

func TestGenerateAndValidate(t *testing.T) {
	t.Parallel()

	tok, _ := newTokens(t)
	clear, expires, err := tok.Generate(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(clear) < 40 {
		t.Errorf("token too short: %d chars", len(clear))
	}
	if d := time.Until(expires); d < 23*time.Hour || d > 25*time.Hour {
		t.Errorf("default expiry = %s from now, want ~24h", d)
	}
	if err := tok.Validate(clear); err != nil {
		t.Errorf("valid token rejected: %v", err)
	}
	if err := tok.Validate("not-the-token"); !errors.Is(err, worker.ErrUnauthorized) {
		t.Errorf("wrong token: err = %v", err)
	}
	if err := tok.Validate(""); !errors.Is(err, worker.ErrUnauthorized) {
		t.Errorf("empty token: err = %v", err)
	}
}

func TestGenerateClampsExpiry(t *testing.T) {
	t.Parallel()

	tok, _ := newTokens(t)
	_, expires, err := tok.Generate(9000)
	if err != nil {
		t.Fatal(err)
	}
	if d := time.Until(expires); d > time.Duration(MaxExpiryHours)*time.Hour+time.Minute {
		t.Errorf("expiry = %s, want clamped to %dh", d, MaxExpiryHours)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	t.Parallel()

	tok, _ := newTokens(t)
	clear, _, err := tok.Generate(1)
	if err != nil {
		t.Fatal(err)
	}
	tok.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if err := tok.Validate(clear); !errors.Is(err, worker.ErrTokenExpired) {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}

func TestValidateCustomRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		token string
		ok    bool
	}{
		{"Abc1234x", true},
		{"Abcdef123456", true},
		{strings.Repeat("A", 15) + "a1", true}, // 17 chars, all classes
		{"short1A", false},                     // 7 chars
		{strings.Repeat("Aa1", 11), false},     // 33 chars
		{"alllowercase1", false},               // no uppercase
		{"ALLUPPERCASE1", false},               // no lowercase
		{"NoDigitsHere", false},                // no digit
	}
	for _, tt := range tests {
		err := ValidateCustom(tt.token)
		if tt.ok && err != nil {
			t.Errorf("ValidateCustom(%q) = %v, want nil", tt.token, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("ValidateCustom(%q) = nil, want error", tt.token)
		}
	}
}

func TestSetCustomStrength(t *testing.T) {
	t.Parallel()

	tok, _ := newTokens(t)
	strength, err := tok.SetCustom("Abc12345")
	if err != nil {
		t.Fatal(err)
	}
	if strength != "fair" {
		t.Errorf("strength = %q, want fair for 8 chars", strength)
	}
	strength, err = tok.SetCustom("Abcdef123456")
	if err != nil {
		t.Fatal(err)
	}
	if strength != "good" {
		t.Errorf("strength = %q, want good for 12 chars", strength)
	}
	if err := tok.Validate("Abcdef123456"); err != nil {
		t.Errorf("custom token rejected: %v", err)
	}
	// Custom tokens never expire.
	tok.now = func() time.Time { return time.Now().Add(10000 * time.Hour) }
	if err := tok.Validate("Abcdef123456"); err != nil {
		t.Errorf("custom token expired: %v", err)
	}
}

func TestAllowlist(t *testing.T) {
	t.Parallel()

	tok, _ := newTokens(t)
	if err := tok.AllowIP("203.0.113.7"); err != nil {
		t.Fatal(err)
	}
	if err := tok.AllowIP("203.0.113.7"); err != nil {
		t.Fatal("re-adding must be idempotent:", err)
	}
	if err := tok.AllowIP("127.0.0.1"); err == nil {
		t.Error("loopback must be rejected by the validator")
	}
	if got := tok.AllowedIPs(); len(got) != 1 {
		t.Fatalf("allowlist = %v", got)
	}
	if err := tok.RemoveIP("203.0.113.7"); err != nil {
		t.Fatal(err)
	}
	if err := tok.RemoveIP("203.0.113.7"); !errors.Is(err, worker.ErrNotFound) {
		t.Errorf("removing absent ip: err = %v", err)
	}
}

func TestConfigPersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	tok, err := NewTokens(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	clear, _, err := tok.Generate(48)
	if err != nil {
		t.Fatal(err)
	}
	if err := tok.AllowIP("203.0.113.9"); err != nil {
		t.Fatal(err)
	}
	if err := tok.SetNamedTunnel("lumen-home"); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewTokens(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := reopened.Validate(clear); err != nil {
		t.Errorf("token lost across reopen: %v", err)
	}
	if got := reopened.AllowedIPs(); len(got) != 1 || got[0] != "203.0.113.9" {
		t.Errorf("allowlist = %v", got)
	}
	if reopened.NamedTunnel() != "lumen-home" {
		t.Errorf("named tunnel = %q", reopened.NamedTunnel())
	}
}

func TestTokenHashEncryptedAtRest(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	box := cryptobox.New(filepath.Join(root, "salt.bin"))
	if err := box.SetPassword("correct horse"); err != nil {
		t.Fatal(err)
	}

	tok, err := NewTokens(root, box)
	if err != nil {
		t.Fatal(err)
	}
	clear, _, err := tok.Generate(24)
	if err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(root, "tunnel", "tunnel_config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"ENC:`) {
		t.Error("token hash stored in the clear")
	}
	if strings.Contains(string(raw), worker.HashToken(clear)) {
		t.Error("plain hash leaked to disk")
	}

	reopened, err := NewTokens(root, box)
	if err != nil {
		t.Fatal(err)
	}
	if err := reopened.Validate(clear); err != nil {
		t.Errorf("encrypted hash not restored: %v", err)
	}
}

// Package validate checks the shape of untrusted inputs before they reach
// handlers: payload size, token material, IP addresses and model names.
package validate

import (
	"fmt"
	"net/netip"
	"strings"

	worker "github.com/lumenai/lumen-worker/internal"
)

// PayloadSize rejects serialized payloads above the wire cap.
func PayloadSize(raw []byte) error {
	if len(raw) > worker.MaxPayloadBytes {
		return fmt.Errorf("%w: payload is %d bytes, max %d", worker.ErrPayloadTooLarge, len(raw), worker.MaxPayloadBytes)
	}
	return nil
}

// Token checks access-token shape: length in [8,128], characters drawn
// from [A-Za-z0-9-_=+/.], and at least two distinct character classes so
// trivially uniform strings are rejected.
func Token(token string) error {
	if len(token) < 8 || len(token) > 128 {
		return fmt.Errorf("%w: token length must be between 8 and 128", worker.ErrInvalidInput)
	}
	var upper, lower, digit, symbol bool
	for _, r := range token {
		switch {
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= '0' && r <= '9':
			digit = true
		case strings.ContainsRune("-_=+/.", r):
			symbol = true
		default:
			return fmt.Errorf("%w: token contains invalid character %q", worker.ErrInvalidInput, r)
		}
	}
	classes := 0
	for _, ok := range []bool{upper, lower, digit, symbol} {
		if ok {
			classes++
		}
	}
	if classes < 2 {
		return fmt.Errorf("%w: token needs at least two character classes", worker.ErrInvalidInput)
	}
	return nil
}

// IPAddress checks that s parses as IPv4 or IPv6 and is a plausible remote
// peer: loopback, multicast and unspecified/reserved addresses are refused.
func IPAddress(s string) error {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return fmt.Errorf("%w: %q is not a valid IP address", worker.ErrInvalidInput, s)
	}
	switch {
	case addr.IsLoopback():
		return fmt.Errorf("%w: loopback address not allowed", worker.ErrInvalidInput)
	case addr.IsMulticast():
		return fmt.Errorf("%w: multicast address not allowed", worker.ErrInvalidInput)
	case addr.IsUnspecified():
		return fmt.Errorf("%w: unspecified address not allowed", worker.ErrInvalidInput)
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address not allowed", worker.ErrInvalidInput)
	}
	return nil
}

// ModelName checks model-identifier shape: non-empty, at most 100
// characters, limited alphabet, no traversal.
func ModelName(name string) error {
	if name == "" || len(name) > 100 {
		return fmt.Errorf("%w: model name must be 1-100 characters", worker.ErrInvalidInput)
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, "/") {
		return fmt.Errorf("%w: model name must not traverse paths", worker.ErrInvalidInput)
	}
	for _, r := range name {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case strings.ContainsRune(":._/-", r):
		default:
			return fmt.Errorf("%w: model name contains invalid character %q", worker.ErrInvalidInput, r)
		}
	}
	return nil
}

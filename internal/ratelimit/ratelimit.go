// Package ratelimit implements sliding-window rate limiting keyed by
// (command, client), with a temporary block list for offenders.
package ratelimit

import (
	"sync"
	"time"
)

const (
	// Window is the sliding window commands are counted over.
	Window = 60 * time.Second
	// BlockDuration is how long a client stays blocked after exceeding a limit.
	BlockDuration = 300 * time.Second
	// DefaultLimit applies to commands without an explicit override.
	DefaultLimit = 30
)

// defaultLimits holds the per-command overrides. Only commands present in
// this table are rate-checked by the dispatcher; sensitive operations get
// tight budgets.
var defaultLimits = map[string]int{
	"tunnel_start":                 5,
	"tunnel_stop":                  5,
	"tunnel_generate_token":        3,
	"analyze_repository":           3,
	"grant_permission":             10,
	"tunnel_validate_custom_token": 2,
	"tunnel_set_custom_token":      2,
}

// Limiter tracks request timestamps per (command, client) and blocks
// clients that exceed a command's budget.
type Limiter struct {
	mu      sync.Mutex
	limits  map[string]int
	hits    map[string][]time.Time // "cmd|client" -> timestamps inside window
	blocked map[string]time.Time   // client -> block expiry
	now     func() time.Time
}

// New returns a Limiter with the built-in command budgets.
func New() *Limiter {
	limits := make(map[string]int, len(defaultLimits))
	for cmd, n := range defaultLimits {
		limits[cmd] = n
	}
	return &Limiter{
		limits:  limits,
		hits:    make(map[string][]time.Time),
		blocked: make(map[string]time.Time),
		now:     time.Now,
	}
}

// HasLimit reports whether cmd has an explicit budget. The dispatcher only
// rate-checks commands present in the table.
func (l *Limiter) HasLimit(cmd string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.limits[cmd]
	return ok
}

// Check records an attempt by client for cmd. It returns false with a
// retry-after duration when the client is blocked or just exceeded the
// budget; exceeding the budget blocks the client for BlockDuration.
func (l *Limiter) Check(cmd, client string) (allowed bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if until, ok := l.blocked[client]; ok {
		if now.Before(until) {
			return false, until.Sub(now)
		}
		delete(l.blocked, client)
	}

	limit, ok := l.limits[cmd]
	if !ok {
		limit = DefaultLimit
	}

	key := cmd + "|" + client
	recent := pruneOlder(l.hits[key], now.Add(-Window))
	if len(recent) >= limit {
		l.hits[key] = recent
		l.blocked[client] = now.Add(BlockDuration)
		return false, BlockDuration
	}
	l.hits[key] = append(recent, now)
	return true, 0
}

// IsBlocked reports whether client is currently blocked and for how much
// longer.
func (l *Limiter) IsBlocked(client string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.blocked[client]
	if !ok {
		return false, 0
	}
	now := l.now()
	if !now.Before(until) {
		delete(l.blocked, client)
		return false, 0
	}
	return true, until.Sub(now)
}

// Blocked returns the clients currently on the block list.
func (l *Limiter) Blocked() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	out := make([]string, 0, len(l.blocked))
	for client, until := range l.blocked {
		if now.Before(until) {
			out = append(out, client)
		} else {
			delete(l.blocked, client)
		}
	}
	return out
}

// Unblock removes client from the block list.
func (l *Limiter) Unblock(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.blocked, client)
}

// SetLimit overrides the budget for cmd. A zero or negative value removes
// the override, dropping the command back to the default and out of the
// checked set.
func (l *Limiter) SetLimit(cmd string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 {
		delete(l.limits, cmd)
		return
	}
	l.limits[cmd] = n
}

// Limits returns a copy of the per-command budget table.
func (l *Limiter) Limits() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.limits))
	for cmd, n := range l.limits {
		out[cmd] = n
	}
	return out
}

// Reset clears history and block state for client; an empty client clears
// everything.
func (l *Limiter) Reset(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if client == "" {
		l.hits = make(map[string][]time.Time)
		l.blocked = make(map[string]time.Time)
		return
	}
	delete(l.blocked, client)
	suffix := "|" + client
	for key := range l.hits {
		if len(key) >= len(suffix) && key[len(key)-len(suffix):] == suffix {
			delete(l.hits, key)
		}
	}
}

// Stats is the snapshot returned by the rate_limiter_get_stats command.
type Stats struct {
	BlockedClients  int            `json:"blocked_ips_count"`
	CommandsTracked int            `json:"commands_tracked"`
	Limits          map[string]int `json:"limits"`
	WindowSeconds   int            `json:"time_window"`
	BlockSeconds    int            `json:"block_duration"`
}

// GetStats returns a snapshot of limiter state.
func (l *Limiter) GetStats() Stats {
	limits := l.Limits()
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		BlockedClients:  len(l.blocked),
		CommandsTracked: len(l.hits),
		Limits:          limits,
		WindowSeconds:   int(Window.Seconds()),
		BlockSeconds:    int(BlockDuration.Seconds()),
	}
}

func pruneOlder(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}

// Package guard implements the command permission layer: a static
// classification of every command into always-allowed, permission-gated,
// or denied, plus the process-wide set of granted permissions.
package guard

import (
	"log/slog"
	"sync"

	worker "github.com/lumenai/lumen-worker/internal"
)

// alwaysAllowed lists commands callable without any grant. Everything the
// host UI needs for basic operation lives here; anything touching the
// filesystem outside the data root, the network perimeter, or OS state is
// permission-gated instead.
var alwaysAllowed = map[string]struct{}{
	"health_check":     {},
	"shutdown":         {},
	"cancel_chat":      {},
	"get_system_stats": {},
	"get_monitoring":   {},
	"load_settings":    {},
	"save_settings":    {},

	"web_search_available": {},

	"pull":         {},
	"get_models":   {},
	"delete_model": {},

	"airllm_list_models":      {},
	"airllm_status":           {},
	"airllm_enable":           {},
	"airllm_reload":           {},
	"airllm_disable":          {},
	"airllm_set_active_model": {},

	"list_conversations":               {},
	"get_conversation_messages":        {},
	"get_conversation_metadata":        {},
	"delete_conversation":              {},
	"update_conversation_project":      {},
	"chat_history_set_crypto_password": {},
	"chat":                             {},

	"tunnel_check_cloudflared": {},
	"tunnel_install_progress":  {},
	"tunnel_get_status":        {},

	"grant_permission":  {},
	"revoke_permission": {},
	"has_permission":    {},
	"license_update":    {},

	"rate_limiter_is_blocked":  {},
	"rate_limiter_get_blocked": {},
	"rate_limiter_set_limit":   {},
	"rate_limiter_get_limits":  {},
	"rate_limiter_reset":       {},
	"rate_limiter_get_stats":   {},

	"projects_list":                {},
	"projects_get":                 {},
	"projects_create":              {},
	"projects_update":              {},
	"projects_delete":              {},
	"projects_remove_repo":         {},
	"projects_get_or_create_orphan": {},
}

// requiredPermissions maps permission-gated commands to the grant they need.
var requiredPermissions = map[string]worker.Permission{
	"analyze_repository": worker.PermRepoAnalyze,
	"get_repo_summary":   worker.PermRepoAnalyze,
	"detect_tech_debt":   worker.PermRepoAnalyze,
	"projects_add_repo":  worker.PermRepoAnalyze,

	"memory_save":                worker.PermMemoryAccess,
	"memory_get":                 worker.PermMemoryAccess,
	"memory_list":                worker.PermMemoryAccess,
	"memory_delete":              worker.PermMemoryAccess,
	"memory_clear_session":       worker.PermMemoryAccess,
	"memory_set_crypto_password": worker.PermMemoryAccess,

	"tunnel_install_cloudflared":  worker.PermRemoteAccess,
	"tunnel_generate_token":       worker.PermRemoteAccess,
	"tunnel_start":                worker.PermRemoteAccess,
	"tunnel_stop":                 worker.PermRemoteAccess,
	"tunnel_get_qr":               worker.PermRemoteAccess,
	"tunnel_add_allowed_ip":       worker.PermRemoteAccess,
	"tunnel_remove_allowed_ip":    worker.PermRemoteAccess,
	"tunnel_validate_token":       worker.PermRemoteAccess,
	"tunnel_validate_custom_token": worker.PermRemoteAccess,
	"tunnel_set_custom_token":     worker.PermRemoteAccess,
	"tunnel_set_named_tunnel":     worker.PermRemoteAccess,
	"tunnel_get_qr_with_token":    worker.PermRemoteAccess,

	"set_startup": worker.PermCommandExecute,
}

// Guard holds the granted permission set. Grants and revokes are explicit
// host operations; nothing is granted implicitly by use.
type Guard struct {
	mu       sync.RWMutex
	granted  map[worker.Permission]struct{}
	disabled bool
}

// New returns a Guard with no permissions granted.
func New() *Guard {
	return &Guard{granted: make(map[worker.Permission]struct{})}
}

// Check reports whether cmd may run right now. Unknown commands are denied.
func (g *Guard) Check(cmd string) bool {
	g.mu.RLock()
	disabled := g.disabled
	g.mu.RUnlock()
	if disabled {
		return true
	}
	if _, ok := alwaysAllowed[cmd]; ok {
		return true
	}
	perm, ok := requiredPermissions[cmd]
	if !ok {
		return false
	}
	return g.Has(perm)
}

// Grant adds a permission to the granted set.
func (g *Guard) Grant(p worker.Permission) {
	g.mu.Lock()
	g.granted[p] = struct{}{}
	g.mu.Unlock()
	slog.Info("permission granted", "permission", string(p))
}

// Revoke removes a permission from the granted set.
func (g *Guard) Revoke(p worker.Permission) {
	g.mu.Lock()
	delete(g.granted, p)
	g.mu.Unlock()
	slog.Info("permission revoked", "permission", string(p))
}

// Has reports whether a permission is currently granted.
func (g *Guard) Has(p worker.Permission) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.granted[p]
	return ok
}

// Granted returns a snapshot of the granted set.
func (g *Guard) Granted() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.granted))
	for p := range g.granted {
		out = append(out, string(p))
	}
	return out
}

// Disable turns the guard off entirely. Debug escape hatch only.
func (g *Guard) Disable() {
	g.mu.Lock()
	g.disabled = true
	g.mu.Unlock()
	slog.Warn("SECURITY: permission guard disabled, every command is allowed")
}

// Known reports whether cmd appears in either table. The dispatcher uses
// this to distinguish denied-by-policy from not-yet-granted in logs.
func Known(cmd string) bool {
	if _, ok := alwaysAllowed[cmd]; ok {
		return true
	}
	_, ok := requiredPermissions[cmd]
	return ok
}

// RequiredFor returns the permission gating cmd, if any.
func RequiredFor(cmd string) (worker.Permission, bool) {
	p, ok := requiredPermissions[cmd]
	return p, ok
}

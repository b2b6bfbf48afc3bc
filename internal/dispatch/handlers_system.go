package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lumenai/lumen-worker/internal/audit"
)

func (d *Dispatcher) registerSystem() {
	d.handle("health_check", d.handleHealthCheck)
	d.handle("shutdown", d.handleShutdown)
	d.handle("cancel_chat", d.handleCancelChat)
	d.handle("get_system_stats", d.handleSystemStats)
	d.handle("get_monitoring", d.handleSystemStats)
	d.handle("set_startup", d.handleSetStartup)
	d.handle("load_settings", d.handleLoadSettings)
	d.handle("save_settings", d.handleSaveSettings)
	d.handle("web_search_available", d.handleWebSearchAvailable)
}

func (d *Dispatcher) handleHealthCheck(context.Context, json.RawMessage) (any, error) {
	return map[string]string{"status": "healthy"}, nil
}

func (d *Dispatcher) handleShutdown(context.Context, json.RawMessage) (any, error) {
	if d.deps.Shutdown != nil {
		// The response must reach the host before the process winds down.
		go d.deps.Shutdown()
	}
	return map[string]string{"status": "shutting_down"}, nil
}

func (d *Dispatcher) handleCancelChat(_ context.Context, payload json.RawMessage) (any, error) {
	var p struct {
		ChatID string `json:"chat_id"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	cancelled := d.deps.Chat.Cancel(p.ChatID)
	return map[string]any{"cancelled": cancelled, "chat_id": p.ChatID}, nil
}

func (d *Dispatcher) handleSystemStats(context.Context, json.RawMessage) (any, error) {
	return d.deps.Stats.Collect(), nil
}

func (d *Dispatcher) handleSetStartup(_ context.Context, payload json.RawMessage) (any, error) {
	var p struct {
		Enabled bool `json:"enabled"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	patch, err := json.Marshal(map[string]bool{"runAtStartup": p.Enabled})
	if err != nil {
		return nil, fmt.Errorf("encode startup patch: %w", err)
	}
	if _, err := d.deps.Settings.Patch(patch); err != nil {
		return nil, err
	}
	d.auditAction(audit.ActionCommandExecute, map[string]any{"op": "set_startup", "enabled": p.Enabled})
	return map[string]any{"success": true, "enabled": p.Enabled}, nil
}

func (d *Dispatcher) handleLoadSettings(context.Context, json.RawMessage) (any, error) {
	return d.deps.Settings.Load(), nil
}

func (d *Dispatcher) handleSaveSettings(_ context.Context, payload json.RawMessage) (any, error) {
	saved, err := d.deps.Settings.Patch(payload)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "settings": saved}, nil
}

func (d *Dispatcher) handleWebSearchAvailable(ctx context.Context, _ json.RawMessage) (any, error) {
	if !d.deps.Settings.Load().InternetAccess {
		return map[string]any{"available": false, "reason": "internet access disabled"}, nil
	}
	if !d.deps.Search.Available(ctx) {
		return map[string]any{"available": false, "reason": "search endpoint unreachable"}, nil
	}
	return map[string]any{"available": true}, nil
}

// auditAction records an audit entry; audit failures never fail commands.
func (d *Dispatcher) auditAction(action string, details map[string]any) {
	if d.deps.Audit == nil {
		return
	}
	if err := d.deps.Audit.Action(action, details); err != nil {
		slog.Warn("audit write failed", "action", action, "error", err)
	}
}

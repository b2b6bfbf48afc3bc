package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	worker "github.com/lumenai/lumen-worker/internal"
	"github.com/lumenai/lumen-worker/internal/audit"
	"github.com/lumenai/lumen-worker/internal/license"
)

func (d *Dispatcher) registerAdmin() {
	d.handle("grant_permission", d.handleGrantPermission)
	d.handle("revoke_permission", d.handleRevokePermission)
	d.handle("has_permission", d.handleHasPermission)

	d.handle("license_update", d.handleLicenseUpdate)

	d.handle("rate_limiter_is_blocked", d.handleRateIsBlocked)
	d.handle("rate_limiter_get_blocked", d.handleRateGetBlocked)
	d.handle("rate_limiter_set_limit", d.handleRateSetLimit)
	d.handle("rate_limiter_get_limits", d.handleRateGetLimits)
	d.handle("rate_limiter_reset", d.handleRateReset)
	d.handle("rate_limiter_get_stats", d.handleRateGetStats)
}

type permissionPayload struct {
	Permission string `json:"permission"`
}

func parsePermission(payload json.RawMessage) (worker.Permission, error) {
	var p permissionPayload
	if err := decode(payload, &p); err != nil {
		return "", err
	}
	perm, ok := worker.ParsePermission(p.Permission)
	if !ok {
		return "", fmt.Errorf("unknown permission %q: %w", p.Permission, worker.ErrInvalidInput)
	}
	return perm, nil
}

func (d *Dispatcher) handleGrantPermission(_ context.Context, payload json.RawMessage) (any, error) {
	perm, err := parsePermission(payload)
	if err != nil {
		return nil, err
	}
	d.deps.Guard.Grant(perm)
	d.auditAction(audit.ActionPermissionGranted, map[string]any{"permission": string(perm)})
	return map[string]any{"success": true, "permission": string(perm), "granted": true}, nil
}

func (d *Dispatcher) handleRevokePermission(_ context.Context, payload json.RawMessage) (any, error) {
	perm, err := parsePermission(payload)
	if err != nil {
		return nil, err
	}
	d.deps.Guard.Revoke(perm)
	return map[string]any{"success": true, "permission": string(perm), "granted": false}, nil
}

func (d *Dispatcher) handleHasPermission(_ context.Context, payload json.RawMessage) (any, error) {
	perm, err := parsePermission(payload)
	if err != nil {
		return nil, err
	}
	return map[string]any{"permission": string(perm), "granted": d.deps.Guard.Has(perm)}, nil
}

// handleLicenseUpdate takes the plan snapshot the host pushes after
// validating the license. Feature gates answer against the latest push.
func (d *Dispatcher) handleLicenseUpdate(_ context.Context, payload json.RawMessage) (any, error) {
	if d.deps.License == nil {
		return nil, fmt.Errorf("no license gate configured: %w", worker.ErrInvalidInput)
	}
	var snap license.Snapshot
	if err := decode(payload, &snap); err != nil {
		return nil, err
	}
	if snap.Plan != license.PlanFree && snap.Plan != license.PlanPro {
		return nil, fmt.Errorf("unknown plan %q: %w", snap.Plan, worker.ErrInvalidInput)
	}
	if snap.State == "" {
		snap.State = license.StateValid
	}
	if snap.CheckedAt.IsZero() {
		snap.CheckedAt = time.Now().UTC()
	}
	d.deps.License.Update(snap)
	return map[string]any{"success": true, "plan": snap.Plan, "state": snap.State}, nil
}

type ratePayload struct {
	ClientID string `json:"client_id"`
	Command  string `json:"command"`
	Limit    int    `json:"limit"`
}

func (d *Dispatcher) handleRateIsBlocked(_ context.Context, payload json.RawMessage) (any, error) {
	var p ratePayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if p.ClientID == "" {
		p.ClientID = worker.LocalClient
	}
	blocked, remaining := d.deps.Limiter.IsBlocked(p.ClientID)
	out := map[string]any{"client_id": p.ClientID, "blocked": blocked}
	if blocked {
		out["retry_after"] = int(remaining.Seconds())
	}
	return out, nil
}

func (d *Dispatcher) handleRateGetBlocked(context.Context, json.RawMessage) (any, error) {
	return map[string]any{"blocked": d.deps.Limiter.Blocked()}, nil
}

func (d *Dispatcher) handleRateSetLimit(_ context.Context, payload json.RawMessage) (any, error) {
	var p ratePayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if p.Command == "" {
		return nil, fmt.Errorf("missing command: %w", worker.ErrInvalidInput)
	}
	d.deps.Limiter.SetLimit(p.Command, p.Limit)
	return map[string]any{"success": true, "command": p.Command, "limit": p.Limit}, nil
}

func (d *Dispatcher) handleRateGetLimits(context.Context, json.RawMessage) (any, error) {
	return map[string]any{"limits": d.deps.Limiter.Limits()}, nil
}

func (d *Dispatcher) handleRateReset(_ context.Context, payload json.RawMessage) (any, error) {
	var p ratePayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	d.deps.Limiter.Reset(p.ClientID)
	return map[string]any{"success": true}, nil
}

func (d *Dispatcher) handleRateGetStats(context.Context, json.RawMessage) (any, error) {
	return d.deps.Limiter.GetStats(), nil
}

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	worker "github.com/lumenai/lumen-worker/internal"
	"github.com/lumenai/lumen-worker/internal/audit"
	"github.com/lumenai/lumen-worker/internal/license"
	"github.com/lumenai/lumen-worker/internal/remote"
)

func (d *Dispatcher) registerTunnel() {
	d.handle("tunnel_check_cloudflared", d.handleTunnelCheck)
	d.handle("tunnel_install_cloudflared", d.handleTunnelInstall)
	d.handle("tunnel_install_progress", d.handleTunnelInstallProgress)
	d.handle("tunnel_get_status", d.handleTunnelStatus)
	d.handle("tunnel_generate_token", d.handleTunnelGenerateToken)
	d.handle("tunnel_start", d.handleTunnelStart)
	d.handle("tunnel_stop", d.handleTunnelStop)
	d.handle("tunnel_get_qr", d.handleTunnelQR)
	d.handle("tunnel_get_qr_with_token", d.handleTunnelQRWithToken)
	d.handle("tunnel_add_allowed_ip", d.handleTunnelAllowIP)
	d.handle("tunnel_remove_allowed_ip", d.handleTunnelRemoveIP)
	d.handle("tunnel_validate_token", d.handleTunnelValidateToken)
	d.handle("tunnel_validate_custom_token", d.handleTunnelValidateCustom)
	d.handle("tunnel_set_custom_token", d.handleTunnelSetCustom)
	d.handle("tunnel_set_named_tunnel", d.handleTunnelSetNamed)
}

// requireRemoteAccess is the license gate on the commands that expose the
// worker beyond loopback: tunnel_start, tunnel_generate_token, the IP
// allowlist pair, and tunnel_get_qr. With no gate wired the check passes.
func (d *Dispatcher) requireRemoteAccess() error {
	if d.deps.License != nil && !d.deps.License.Allowed(license.FeatureRemoteAccess) {
		return fmt.Errorf("remote access requires an active license: %w", worker.ErrLicenseRequired)
	}
	return nil
}

func (d *Dispatcher) handleTunnelCheck(context.Context, json.RawMessage) (any, error) {
	installed := d.deps.Tunnel.Installed()
	out := map[string]any{"installed": installed}
	if installed {
		out["path"] = d.deps.Tunnel.BinaryPath()
	}
	return out, nil
}

func (d *Dispatcher) handleTunnelInstall(ctx context.Context, _ json.RawMessage) (any, error) {
	if err := d.deps.Tunnel.Install(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "path": d.deps.Tunnel.BinaryPath()}, nil
}

func (d *Dispatcher) handleTunnelInstallProgress(context.Context, json.RawMessage) (any, error) {
	return map[string]any{"progress": d.deps.Tunnel.InstallProgress()}, nil
}

func (d *Dispatcher) handleTunnelStatus(context.Context, json.RawMessage) (any, error) {
	st := d.deps.Tunnel.GetStatus()
	return map[string]any{
		"state":        st.State,
		"url":          st.URL,
		"installed":    st.Installed,
		"last_error":   st.LastError,
		"http_running": d.deps.HTTP.Running(),
		"http_addr":    d.deps.HTTP.Addr(),
		"has_token":    d.deps.Tokens.HasToken(),
		"allowed_ips":  d.deps.Tokens.AllowedIPs(),
	}, nil
}

// handleTunnelGenerateToken mints a fresh access token. The clear token
// appears in this response and nowhere else; only its hash is stored.
func (d *Dispatcher) handleTunnelGenerateToken(_ context.Context, payload json.RawMessage) (any, error) {
	if err := d.requireRemoteAccess(); err != nil {
		return nil, err
	}
	var p struct {
		ExpiresHours int `json:"expires_hours"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if p.ExpiresHours != 0 && (p.ExpiresHours < remote.MinExpiryHours || p.ExpiresHours > remote.MaxExpiryHours) {
		return nil, fmt.Errorf("expires_hours must be between %d and %d: %w",
			remote.MinExpiryHours, remote.MaxExpiryHours, worker.ErrInvalidInput)
	}
	token, expiresAt, err := d.deps.Tokens.Generate(p.ExpiresHours)
	if err != nil {
		return nil, err
	}
	d.auditRemote(audit.ActionRemoteAccess, map[string]any{"op": "token_generated", "expires_at": expiresAt.Format(time.RFC3339)})
	return map[string]any{
		"success":    true,
		"token":      token,
		"expires_at": expiresAt.Format(time.RFC3339),
	}, nil
}

// handleTunnelStart brings up the remote surface as a pair: the local HTTP
// server first, then the cloudflared process pointed at it. A tunnel
// failure tears the HTTP server back down so neither half runs alone.
func (d *Dispatcher) handleTunnelStart(ctx context.Context, _ json.RawMessage) (any, error) {
	if err := d.requireRemoteAccess(); err != nil {
		return nil, err
	}
	if !d.deps.Tokens.HasToken() {
		return nil, fmt.Errorf("no access token configured, generate one first: %w", worker.ErrInvalidInput)
	}
	if !d.deps.Tunnel.Installed() {
		return nil, errors.New("cloudflared is not installed")
	}

	if !d.deps.HTTP.Running() {
		if err := d.deps.HTTP.Start(d.deps.HTTPPort); err != nil {
			return nil, fmt.Errorf("start http server: %w", err)
		}
	}

	url, err := d.deps.Tunnel.Start(ctx, d.deps.Tokens.NamedTunnel())
	if err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if stopErr := d.deps.HTTP.Stop(stopCtx); stopErr != nil {
			slog.Warn("http server stop after tunnel failure", "error", stopErr)
		}
		return nil, err
	}

	d.auditRemote(audit.ActionRemoteAccess, map[string]any{"op": "tunnel_started", "url": url})
	return map[string]any{"success": true, "url": url, "state": d.deps.Tunnel.GetStatus().State}, nil
}

func (d *Dispatcher) handleTunnelStop(_ context.Context, _ json.RawMessage) (any, error) {
	d.deps.Tunnel.Stop()
	if d.deps.HTTP.Running() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.deps.HTTP.Stop(stopCtx); err != nil {
			slog.Warn("http server stop", "error", err)
		}
	}
	d.auditRemote(audit.ActionRemoteRevoked, map[string]any{"op": "tunnel_stopped"})
	return map[string]any{"success": true, "state": d.deps.Tunnel.GetStatus().State}, nil
}

func (d *Dispatcher) handleTunnelQR(context.Context, json.RawMessage) (any, error) {
	if err := d.requireRemoteAccess(); err != nil {
		return nil, err
	}
	url := d.deps.Tunnel.PublicURL()
	if url == "" {
		return nil, errors.New("tunnel is not running")
	}
	return remote.QRPayload(url), nil
}

// handleTunnelQRWithToken embeds a caller-supplied token in the QR payload
// so a phone can pair in one scan. The token comes from the payload; this
// command never mints one.
func (d *Dispatcher) handleTunnelQRWithToken(_ context.Context, payload json.RawMessage) (any, error) {
	url := d.deps.Tunnel.PublicURL()
	if url == "" {
		return nil, errors.New("tunnel is not running")
	}
	var p tokenPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if p.Token == "" {
		return nil, fmt.Errorf("token is required: %w", worker.ErrInvalidInput)
	}
	out := map[string]any{"success": true}
	for k, v := range remote.QRPayloadWithToken(url, p.Token) {
		out[k] = v
	}
	return out, nil
}

type allowIPPayload struct {
	IP string `json:"ip"`
}

func (d *Dispatcher) handleTunnelAllowIP(_ context.Context, payload json.RawMessage) (any, error) {
	if err := d.requireRemoteAccess(); err != nil {
		return nil, err
	}
	var p allowIPPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if err := d.deps.Tokens.AllowIP(p.IP); err != nil {
		return nil, err
	}
	d.auditRemote(audit.ActionRemoteAccess, map[string]any{"op": "ip_allowed", "ip": p.IP})
	return map[string]any{"success": true, "allowed_ips": d.deps.Tokens.AllowedIPs()}, nil
}

func (d *Dispatcher) handleTunnelRemoveIP(_ context.Context, payload json.RawMessage) (any, error) {
	if err := d.requireRemoteAccess(); err != nil {
		return nil, err
	}
	var p allowIPPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if err := d.deps.Tokens.RemoveIP(p.IP); err != nil {
		return nil, err
	}
	d.auditRemote(audit.ActionRemoteRevoked, map[string]any{"op": "ip_removed", "ip": p.IP})
	return map[string]any{"success": true, "allowed_ips": d.deps.Tokens.AllowedIPs()}, nil
}

type tokenPayload struct {
	Token string `json:"token"`
}

func (d *Dispatcher) handleTunnelValidateToken(_ context.Context, payload json.RawMessage) (any, error) {
	var p tokenPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if err := d.deps.Tokens.Validate(p.Token); err != nil {
		reason := "invalid token"
		if errors.Is(err, worker.ErrTokenExpired) {
			reason = "token expired"
		}
		return map[string]any{"valid": false, "reason": reason}, nil
	}
	return map[string]any{"valid": true}, nil
}

func (d *Dispatcher) handleTunnelValidateCustom(_ context.Context, payload json.RawMessage) (any, error) {
	var p tokenPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if err := remote.ValidateCustom(p.Token); err != nil {
		return map[string]any{"valid": false, "reason": err.Error()}, nil
	}
	return map[string]any{"valid": true}, nil
}

func (d *Dispatcher) handleTunnelSetCustom(_ context.Context, payload json.RawMessage) (any, error) {
	var p tokenPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	strength, err := d.deps.Tokens.SetCustom(p.Token)
	if err != nil {
		return nil, err
	}
	d.auditRemote(audit.ActionRemoteAccess, map[string]any{"op": "custom_token_set", "strength": strength})
	return map[string]any{"success": true, "strength": strength}, nil
}

func (d *Dispatcher) handleTunnelSetNamed(_ context.Context, payload json.RawMessage) (any, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if err := d.deps.Tokens.SetNamedTunnel(p.Name); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "named_tunnel": p.Name}, nil
}

// auditRemote records a remote-access audit entry; failures only log.
func (d *Dispatcher) auditRemote(event string, details map[string]any) {
	if d.deps.Audit == nil {
		return
	}
	if err := d.deps.Audit.Remote(event, details); err != nil {
		slog.Warn("audit write failed", "event", event, "error", err)
	}
}

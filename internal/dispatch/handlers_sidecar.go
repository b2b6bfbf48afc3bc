package dispatch

import (
	"context"
	"encoding/json"

	"github.com/lumenai/lumen-worker/internal/sidecar"
)

func (d *Dispatcher) registerSidecar() {
	d.handle("airllm_list_models", d.handleAirllmListModels)
	d.handle("airllm_status", d.handleAirllmStatus)
	d.handle("airllm_enable", d.handleAirllmEnable)
	d.handle("airllm_reload", d.handleAirllmReload)
	d.handle("airllm_disable", d.handleAirllmDisable)
	d.handle("airllm_set_active_model", d.handleAirllmEnable)
}

func (d *Dispatcher) handleAirllmListModels(context.Context, json.RawMessage) (any, error) {
	return map[string]any{"models": sidecar.Models}, nil
}

func (d *Dispatcher) handleAirllmStatus(context.Context, json.RawMessage) (any, error) {
	return d.deps.Sidecar.GetStatus(), nil
}

// handleAirllmEnable loads the requested model. Switching models goes
// through the same path: the supervisor disables the old process first.
func (d *Dispatcher) handleAirllmEnable(ctx context.Context, payload json.RawMessage) (any, error) {
	var p struct {
		Model string `json:"model"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if err := d.deps.Sidecar.Enable(ctx, p.Model); err != nil {
		return nil, err
	}
	return d.deps.Sidecar.GetStatus(), nil
}

func (d *Dispatcher) handleAirllmReload(ctx context.Context, _ json.RawMessage) (any, error) {
	if err := d.deps.Sidecar.Reload(ctx); err != nil {
		return nil, err
	}
	return d.deps.Sidecar.GetStatus(), nil
}

func (d *Dispatcher) handleAirllmDisable(context.Context, json.RawMessage) (any, error) {
	d.deps.Sidecar.Disable()
	return d.deps.Sidecar.GetStatus(), nil
}

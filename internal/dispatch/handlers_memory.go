package dispatch

import (
	"context"
	"encoding/json"

	"github.com/lumenai/lumen-worker/internal/audit"
)

func (d *Dispatcher) registerMemory() {
	d.handle("memory_save", d.handleMemorySave)
	d.handle("memory_get", d.handleMemoryGet)
	d.handle("memory_list", d.handleMemoryList)
	d.handle("memory_delete", d.handleMemoryDelete)
	d.handle("memory_clear_session", d.handleMemoryClearSession)
	d.handle("memory_set_crypto_password", d.handleSetCryptoPassword)
}

type memoryPayload struct {
	Key       string         `json:"key"`
	Value     string         `json:"value"`
	Type      string         `json:"type"`
	ProjectID string         `json:"project_id"`
	Metadata  map[string]any `json:"metadata"`
}

func (d *Dispatcher) handleMemorySave(_ context.Context, payload json.RawMessage) (any, error) {
	var p memoryPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	entry, err := d.deps.Memory.Save(p.Key, p.Value, p.Type, p.ProjectID, p.Metadata)
	if err != nil {
		return nil, err
	}
	d.auditAction(audit.ActionMemoryWrite, map[string]any{"key": p.Key, "type": p.Type})
	return map[string]any{"success": true, "entry": entry}, nil
}

func (d *Dispatcher) handleMemoryGet(_ context.Context, payload json.RawMessage) (any, error) {
	var p memoryPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	entry, err := d.deps.Memory.Get(p.Key, p.Type, p.ProjectID)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (d *Dispatcher) handleMemoryList(_ context.Context, payload json.RawMessage) (any, error) {
	var p memoryPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	entries, err := d.deps.Memory.List(p.Type, p.ProjectID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries}, nil
}

func (d *Dispatcher) handleMemoryDelete(_ context.Context, payload json.RawMessage) (any, error) {
	var p memoryPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if err := d.deps.Memory.Delete(p.Key, p.Type, p.ProjectID); err != nil {
		return nil, err
	}
	d.auditAction(audit.ActionMemoryDelete, map[string]any{"key": p.Key, "type": p.Type})
	return map[string]any{"success": true, "key": p.Key}, nil
}

func (d *Dispatcher) handleMemoryClearSession(context.Context, json.RawMessage) (any, error) {
	cleared := d.deps.Memory.ClearSession()
	return map[string]any{"success": true, "cleared": cleared}, nil
}

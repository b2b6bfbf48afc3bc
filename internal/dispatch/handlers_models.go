package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	worker "github.com/lumenai/lumen-worker/internal"
	"github.com/lumenai/lumen-worker/internal/chat"
	"github.com/lumenai/lumen-worker/internal/validate"
)

func (d *Dispatcher) registerModels() {
	d.handle("get_models", d.handleGetModels)
	d.handle("delete_model", d.handleDeleteModel)
	d.handleStream("pull", d.handlePull)
	d.handleStream("chat", d.handleChat)
}

func (d *Dispatcher) handleGetModels(ctx context.Context, _ json.RawMessage) (any, error) {
	models, err := d.deps.CLI.ListModels(ctx)
	if err != nil {
		return domainFailure(worker.CodeModelList, err.Error()), nil
	}
	return models, nil
}

func (d *Dispatcher) handleDeleteModel(ctx context.Context, payload json.RawMessage) (any, error) {
	var p struct {
		Model string `json:"model"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if err := validate.ModelName(p.Model); err != nil {
		return nil, err
	}
	if err := d.deps.API.DeleteModel(ctx, p.Model); err != nil {
		return domainFailure(worker.CodeOllamaCLI, err.Error()), nil
	}
	return map[string]any{"success": true, "model": p.Model}, nil
}

// handlePull streams `ollama pull` progress as events: one progress event
// per meaningful output line, then a terminal done or error.
func (d *Dispatcher) handlePull(ctx context.Context, payload json.RawMessage) (<-chan worker.Event, error) {
	var p struct {
		Model string `json:"model"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if err := validate.ModelName(p.Model); err != nil {
		return nil, err
	}

	out := make(chan worker.Event)
	go func() {
		defer close(out)
		err := d.deps.CLI.Pull(ctx, p.Model, func(message string, percent *int) {
			out <- worker.Event{
				Event:    worker.EventProgress,
				Message:  message,
				Model:    p.Model,
				Progress: percent,
			}
		})
		if err != nil {
			out <- worker.Event{Event: worker.EventError, Message: fmt.Sprintf("pull %s: %v", p.Model, err), Model: p.Model}
			return
		}
		out <- worker.Event{Event: worker.EventDone, Model: p.Model}
	}()
	return out, nil
}

func (d *Dispatcher) handleChat(ctx context.Context, payload json.RawMessage) (<-chan worker.Event, error) {
	var req chat.Request
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = chat.ProviderOllama
	}
	return d.deps.Chat.Stream(ctx, req)
}

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	worker "github.com/lumenai/lumen-worker/internal"
)

func (d *Dispatcher) registerConversations() {
	d.handle("list_conversations", d.handleListConversations)
	d.handle("get_conversation_messages", d.handleConversationMessages)
	d.handle("get_conversation_metadata", d.handleConversationMetadata)
	d.handle("delete_conversation", d.handleDeleteConversation)
	d.handle("update_conversation_project", d.handleUpdateConversationProject)
	d.handle("chat_history_set_crypto_password", d.handleSetCryptoPassword)
}

func (d *Dispatcher) handleListConversations(context.Context, json.RawMessage) (any, error) {
	return map[string]any{"conversations": d.deps.Conversations.List()}, nil
}

func (d *Dispatcher) handleConversationMessages(_ context.Context, payload json.RawMessage) (any, error) {
	var p struct {
		ChatID string `json:"chat_id"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	msgs, err := d.deps.Conversations.Messages(p.ChatID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"chat_id": p.ChatID, "messages": msgs}, nil
}

func (d *Dispatcher) handleConversationMetadata(_ context.Context, payload json.RawMessage) (any, error) {
	var p struct {
		ChatID string `json:"chat_id"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	meta, err := d.deps.Conversations.Metadata(p.ChatID)
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func (d *Dispatcher) handleDeleteConversation(_ context.Context, payload json.RawMessage) (any, error) {
	var p struct {
		ChatID string `json:"chat_id"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if err := d.deps.Conversations.Delete(p.ChatID); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "chat_id": p.ChatID}, nil
}

func (d *Dispatcher) handleUpdateConversationProject(_ context.Context, payload json.RawMessage) (any, error) {
	var p struct {
		ChatID    string `json:"chat_id"`
		ProjectID string `json:"project_id"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if err := d.deps.Conversations.UpdateProject(p.ChatID, p.ProjectID); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "chat_id": p.ChatID, "project_id": p.ProjectID}, nil
}

// handleSetCryptoPassword derives the master key. The key lives only in
// process memory; nothing about the password is persisted.
func (d *Dispatcher) handleSetCryptoPassword(_ context.Context, payload json.RawMessage) (any, error) {
	var p struct {
		Password string `json:"password"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if p.Password == "" {
		return nil, fmt.Errorf("password must not be empty: %w", worker.ErrInvalidInput)
	}
	if err := d.deps.Box.SetPassword(p.Password); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

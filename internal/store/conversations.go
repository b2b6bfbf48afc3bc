package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	worker "github.com/lumenai/lumen-worker/internal"
	"github.com/lumenai/lumen-worker/internal/cryptobox"
)

const (
	conversationLabel = "conversation"
	titleMaxLen       = 40
)

// Conversations stores one JSON file per chat under <root>/history.
// Writes are whole-file replacements; a lock serializes them so two
// messages for the same chat never race a read-modify-write.
type Conversations struct {
	mu    sync.Mutex
	dir   string
	files *Files
}

// NewConversations returns a store rooted at dataRoot.
func NewConversations(dataRoot string, files *Files) *Conversations {
	return &Conversations{dir: filepath.Join(dataRoot, "history"), files: files}
}

func (s *Conversations) path(chatID string) string {
	return filepath.Join(s.dir, chatID+".json")
}

// SaveMessage appends one turn to chatID, creating the conversation when
// chatID is empty. It returns the (possibly new) chat id. The first user
// message seeds the title.
func (s *Conversations) SaveMessage(chatID, role, content, projectID string, encrypt bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var conv worker.Conversation
	if chatID == "" {
		chatID = uuid.NewString()
		conv = worker.Conversation{ID: chatID, CreatedAt: now}
	} else {
		existing, err := s.load(chatID)
		switch {
		case err == nil:
			conv = *existing
		case errors.Is(err, os.ErrNotExist):
			conv = worker.Conversation{ID: chatID, CreatedAt: now}
		default:
			return "", err
		}
	}

	if conv.Title == "" && role == "user" {
		conv.Title = seedTitle(content)
	}
	if projectID != "" {
		conv.ProjectID = projectID
	}
	conv.Messages = append(conv.Messages, worker.StoredMessage{Role: role, Content: content, Timestamp: now})
	conv.UpdatedAt = now

	if err := s.write(&conv, encrypt); err != nil {
		return "", err
	}
	return chatID, nil
}

// Messages returns the full turn history of chatID. A conversation that
// cannot be decrypted reads as empty rather than failing the command.
func (s *Conversations) Messages(chatID string) ([]worker.StoredMessage, error) {
	conv, err := s.load(chatID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("conversation %s: %w", chatID, worker.ErrNotFound)
		}
		if errors.Is(err, worker.ErrBadPassword) || errors.Is(err, worker.ErrNoKey) {
			slog.Warn("conversation unreadable, returning empty history", "chat_id", chatID, "error", err)
			return []worker.StoredMessage{}, nil
		}
		return nil, err
	}
	return conv.Messages, nil
}

// List returns metadata for every stored conversation, newest first.
// Corrupt files are skipped with a warning; encrypted files without a key
// are omitted.
func (s *Conversations) List() []worker.ConversationMeta {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return []worker.ConversationMeta{}
	}
	out := make([]worker.ConversationMeta, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		chatID := strings.TrimSuffix(e.Name(), ".json")
		meta, err := s.Metadata(chatID)
		if err != nil {
			slog.Warn("skipping unreadable conversation", "chat_id", chatID, "error", err)
			continue
		}
		out = append(out, *meta)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].UpdatedAt.After(out[j-1].UpdatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Metadata returns everything about chatID except the message bodies.
func (s *Conversations) Metadata(chatID string) (*worker.ConversationMeta, error) {
	raw, err := os.ReadFile(s.path(chatID))
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", chatID, worker.ErrNotFound)
	}
	encrypted := cryptobox.IsEncrypted(raw)
	data := raw
	if encrypted {
		plain, err := s.files.box.Decrypt(string(raw), conversationLabel)
		if err != nil {
			return nil, err
		}
		data = plain
	}
	var conv worker.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("parse conversation %s: %w", chatID, err)
	}
	return &worker.ConversationMeta{
		ID:           conv.ID,
		Title:        conv.Title,
		ProjectID:    conv.ProjectID,
		CreatedAt:    conv.CreatedAt,
		UpdatedAt:    conv.UpdatedAt,
		MessageCount: len(conv.Messages),
		Encrypted:    encrypted,
	}, nil
}

// Delete removes chatID from disk.
func (s *Conversations) Delete(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(chatID)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("conversation %s: %w", chatID, worker.ErrNotFound)
		}
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// UpdateProject re-links chatID to projectID; empty clears the link.
func (s *Conversations) UpdateProject(chatID, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.load(chatID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("conversation %s: %w", chatID, worker.ErrNotFound)
		}
		return err
	}
	conv.ProjectID = projectID
	conv.UpdatedAt = time.Now().UTC()
	return s.write(conv, false)
}

// ListByProject returns metadata for conversations linked to projectID.
func (s *Conversations) ListByProject(projectID string) []worker.ConversationMeta {
	all := s.List()
	out := make([]worker.ConversationMeta, 0, len(all))
	for _, m := range all {
		if m.ProjectID == projectID {
			out = append(out, m)
		}
	}
	return out
}

// CountByProject returns the number of conversations linked to projectID.
func (s *Conversations) CountByProject(projectID string) int {
	return len(s.ListByProject(projectID))
}

func (s *Conversations) load(chatID string) (*worker.Conversation, error) {
	data, _, err := s.files.Read(s.path(chatID), conversationLabel)
	if err != nil {
		return nil, err
	}
	var conv worker.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("parse conversation %s: %w", chatID, err)
	}
	return &conv, nil
}

func (s *Conversations) write(conv *worker.Conversation, encrypt bool) error {
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	return s.files.Write(s.path(conv.ID), data, conversationLabel, encrypt)
}

func seedTitle(content string) string {
	content = strings.TrimSpace(content)
	runes := []rune(content)
	if len(runes) <= titleMaxLen {
		return content
	}
	return string(runes[:titleMaxLen]) + "..."
}

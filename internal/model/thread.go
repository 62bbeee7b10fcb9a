// Package model defines the conversation data shared by every backend.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ChatThread is one persisted conversation tied to one backend.
type ChatThread struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Messages  []ChatMessage   `json:"messages"`
	CreatedAt int64           `json:"createdAt"`
	UpdatedAt int64           `json:"updatedAt"`
	ModelName string          `json:"modelName"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// NewThread creates an empty thread owned by modelName.
func NewThread(id, modelName string, at time.Time) *ChatThread {
	ms := at.UnixMilli()
	return &ChatThread{
		ID:        id,
		Messages:  []ChatMessage{},
		CreatedAt: ms,
		UpdatedAt: ms,
		ModelName: modelName,
	}
}

// SetMetadata stores v as the backend-specific metadata.
func (t *ChatThread) SetMetadata(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode thread metadata: %w", err)
	}
	t.Metadata = data
	return nil
}

// HasMetadata reports whether the thread carries a non-null metadata document.
func (t *ChatThread) HasMetadata() bool {
	trimmed := bytes.TrimSpace(t.Metadata)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// DecodeMetadata decodes the thread metadata into a backend-specific variant.
func DecodeMetadata[T any](t *ChatThread) (T, error) {
	var v T
	if !t.HasMetadata() {
		return v, fmt.Errorf("thread %s has no metadata", t.ID)
	}
	if err := json.Unmarshal(t.Metadata, &v); err != nil {
		return v, fmt.Errorf("decode thread metadata: %w", err)
	}
	return v, nil
}

// Append adds messages and advances UpdatedAt.
func (t *ChatThread) Append(at time.Time, msgs ...ChatMessage) {
	t.Messages = append(t.Messages, msgs...)
	t.Touch(at)
}

// Touch advances UpdatedAt, never moving it backwards.
func (t *ChatThread) Touch(at time.Time) {
	if ms := at.UnixMilli(); ms > t.UpdatedAt {
		t.UpdatedAt = ms
	} else {
		t.UpdatedAt++
	}
}

// LastAssistant returns the last assistant message, or nil.
func (t *ChatThread) LastAssistant() *ChatMessage {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == RoleAssistant {
			return &t.Messages[i]
		}
	}
	return nil
}

// Clone returns a deep copy safe to mutate independently.
func (t *ChatThread) Clone() *ChatThread {
	c := *t
	c.Messages = make([]ChatMessage, len(t.Messages))
	for i, m := range t.Messages {
		if m.Metadata != nil {
			md := make(map[string]any, len(m.Metadata))
			for k, v := range m.Metadata {
				md[k] = v
			}
			m.Metadata = md
		}
		c.Messages[i] = m
	}
	if t.Metadata != nil {
		c.Metadata = append(json.RawMessage(nil), t.Metadata...)
	}
	return &c
}

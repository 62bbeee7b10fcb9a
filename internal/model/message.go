package model

import (
	"time"

	"github.com/google/uuid"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ChatMessage is one entry of a thread. Only Metadata may change after it is appended.
type ChatMessage struct {
	ID               string         `json:"id"`
	Role             Role           `json:"role"`
	Content          string         `json:"content"`
	ReasoningContent string         `json:"reasoningContent,omitempty"`
	Timestamp        int64          `json:"timestamp"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// NewMessage creates a message stamped with a fresh id and the given time.
func NewMessage(role Role, content string, at time.Time) ChatMessage {
	return ChatMessage{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Role:      role,
		Content:   content,
		Timestamp: at.UnixMilli(),
	}
}

// Image is an inline image attached to a prompt.
type Image struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

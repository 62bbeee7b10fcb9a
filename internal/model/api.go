package model

import "strings"

// ThreadSummary is a thread without its messages, used in listings.
type ThreadSummary struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	ModelName    string `json:"modelName"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
	MessageCount int    `json:"messageCount"`
	Preview      string `json:"preview,omitempty"`
}

const maxPreview = 120

// Summary returns the listing view of t.
func (t *ChatThread) Summary() ThreadSummary {
	return ThreadSummary{
		ID:           t.ID,
		Title:        t.Title,
		ModelName:    t.ModelName,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		MessageCount: len(t.Messages),
		Preview:      preview(t.LastAssistant()),
	}
}

// preview is the start of the latest reply, on one line.
func preview(m *ChatMessage) string {
	if m == nil {
		return ""
	}
	text := []rune(strings.Join(strings.Fields(m.Content), " "))
	if len(text) <= maxPreview {
		return string(text)
	}
	return string(text[:maxPreview]) + "…"
}

// ListThreadsResponse is the response for listing threads.
type ListThreadsResponse struct {
	Threads []ThreadSummary `json:"threads"`
	Total   int             `json:"total"`
	HasMore bool            `json:"hasMore"`
}

// SendMessageRequest is the request to run one exchange. Image data is base64 in JSON.
type SendMessageRequest struct {
	Prompt   string  `json:"prompt"`
	ThreadID string  `json:"threadId,omitempty"`
	Mode     string  `json:"mode,omitempty"`
	Images   []Image `json:"images,omitempty"`
}

// SendMessageResponse is the outcome of a non-streamed exchange.
type SendMessageResponse struct {
	ThreadID         string   `json:"threadId"`
	Text             string   `json:"text"`
	ReasoningContent string   `json:"reasoningContent,omitempty"`
	Title            string   `json:"title,omitempty"`
	Suggestions      []string `json:"suggestions,omitempty"`
	Canceled         bool     `json:"canceled,omitempty"`
}

// ListMessagesResponse is the response for listing the messages of a thread.
type ListMessagesResponse struct {
	Messages []ChatMessage `json:"messages"`
	HasMore  bool          `json:"hasMore"`
	Next     int           `json:"next"`
}

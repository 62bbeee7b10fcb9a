package model

import (
	"github.com/capitalize-ai/conversation-bridge/internal/aierr"
)

// EventType discriminates StatusEvent.
type EventType string

const (
	EventUpdateAnswer       EventType = "UPDATE_ANSWER"
	EventDone               EventType = "DONE"
	EventTitleUpdate        EventType = "TITLE_UPDATE"
	EventSuggestedResponses EventType = "SUGGESTED_RESPONSES"
	EventError              EventType = "ERROR"
)

// AnswerUpdate carries the full accumulated answer so far.
type AnswerUpdate struct {
	Text                 string  `json:"text"`
	ReasoningContent     string  `json:"reasoningContent,omitempty"`
	ReasoningElapsedSecs float64 `json:"reasoningElapsedSecs,omitempty"`
}

// StatusEvent is the only progress signal a conversation model emits.
type StatusEvent struct {
	Type        EventType     `json:"type"`
	Answer      *AnswerUpdate `json:"answer,omitempty"`
	ThreadID    string        `json:"threadId,omitempty"`
	Title       string        `json:"title,omitempty"`
	Suggestions []string      `json:"suggestions,omitempty"`
	Error       *aierr.Error  `json:"error,omitempty"`
}

// Terminal reports whether the event ends an exchange.
func (e StatusEvent) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

func UpdateAnswer(a AnswerUpdate) StatusEvent {
	return StatusEvent{Type: EventUpdateAnswer, Answer: &a}
}

func Done(threadID string) StatusEvent {
	return StatusEvent{Type: EventDone, ThreadID: threadID}
}

func TitleUpdate(title, threadID string) StatusEvent {
	return StatusEvent{Type: EventTitleUpdate, Title: title, ThreadID: threadID}
}

func SuggestedResponses(suggestions []string) StatusEvent {
	return StatusEvent{Type: EventSuggestedResponses, Suggestions: suggestions}
}

func ErrorEvent(err *aierr.Error) StatusEvent {
	return StatusEvent{Type: EventError, Error: err}
}

// EventHandler receives status events synchronously.
type EventHandler func(StatusEvent)

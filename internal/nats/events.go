package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/conversation-bridge/internal/model"
)

const (
	// StreamName is the name of the status event stream.
	StreamName = "BRIDGE_EVENTS"

	// SubjectPrefix is the prefix for all status event subjects.
	SubjectPrefix = "bridge.events"
)

// Envelope is the published form of one status event.
type Envelope struct {
	Model    string            `json:"model"`
	ThreadID string            `json:"threadId"`
	Event    model.StatusEvent `json:"event"`
	At       int64             `json:"at"`
	Sequence uint64            `json:"sequence,omitempty"`
}

// EventStream publishes and replays status events through JetStream.
type EventStream struct {
	js  jetstream.JetStream
	now func() time.Time
}

// NewEventStream creates an event stream on client.
func NewEventStream(client *Client) *EventStream {
	return &EventStream{js: client.JetStream(), now: time.Now}
}

// EnsureStream ensures the event stream exists with proper configuration.
func (s *EventStream) EnsureStream(ctx context.Context) error {
	_, err := s.js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = s.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		MaxBytes:    1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Normalized status events of every exchange",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// token makes a value safe for use as one subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// EventSubject returns the subject for events of one thread.
func EventSubject(modelName, threadID string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, token(modelName), token(threadID))
}

// Publish implements bot.Publisher.
func (s *EventStream) Publish(ctx context.Context, modelName, threadID string, ev model.StatusEvent) error {
	data, err := json.Marshal(Envelope{Model: modelName, ThreadID: threadID, Event: ev, At: s.now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := s.js.Publish(ctx, EventSubject(modelName, threadID), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Replay returns up to limit events of one thread stored after afterSequence.
func (s *EventStream) Replay(ctx context.Context, modelName, threadID string, afterSequence uint64, limit int) ([]Envelope, error) {
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{EventSubject(modelName, threadID)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if afterSequence > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = afterSequence + 1
	}

	consumer, err := s.js.OrderedConsumer(ctx, StreamName, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}

	var out []Envelope
	for msg := range batch.Messages() {
		var env Envelope
		if err := json.Unmarshal(msg.Data(), &env); err != nil {
			continue
		}
		if meta, err := msg.Metadata(); err == nil {
			env.Sequence = meta.Sequence.Stream
		}
		out = append(out, env)
	}
	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("batch error: %w", err)
	}
	return out, nil
}

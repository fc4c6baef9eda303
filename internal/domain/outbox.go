package domain

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	MessageTopic = "messages"

	MessageCreated = "message.created"
	MessageUpdated = "message.updated"
	MessageDeleted = "message.deleted"
)

// MessageEvent describes a committed mutation of a message.
type MessageEvent struct {
	Uuid       uuid.UUID `json:"event_id"`
	Type       string    `json:"type"`
	Message    Message   `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

func NewMessageEvent(eventType string, message Message) MessageEvent {
	return MessageEvent{
		Uuid:       uuid.New(),
		Type:       eventType,
		Message:    message,
		OccurredAt: time.Now().UTC(),
	}
}

// Outbox is an event stored next to the mutation that produced it, waiting to be
// published. A zero SentAt means it was not published yet.
type Outbox struct {
	Uuid      uuid.UUID
	Topic     string
	Key       string
	Payload   []byte
	CreatedAt time.Time
	SentAt    time.Time
}

// NewMessageOutbox keys the event by message id so every event of one message
// lands in the same partition.
func NewMessageOutbox(event MessageEvent) (Outbox, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return Outbox{}, err
	}
	return Outbox{
		Uuid:      event.Uuid,
		Topic:     MessageTopic,
		Key:       strconv.FormatInt(event.Message.Id, 10),
		Payload:   payload,
		CreatedAt: event.OccurredAt.Truncate(time.Microsecond),
	}, nil
}

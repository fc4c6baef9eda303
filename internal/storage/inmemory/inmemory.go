package inmemory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alexandernizov/messageboard/internal/domain"
	"github.com/alexandernizov/messageboard/internal/storage"
)

type Inmemory struct {
	log *slog.Logger
	now func() time.Time

	mu        sync.RWMutex
	messages  []Message
	outboxes  []Outbox
	numerator numerator
}

func New(log *slog.Logger) *Inmemory {
	return &Inmemory{log: log, now: storage.Now}
}

type Message struct {
	Id        int64
	Body      string
	Username  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (m Message) toDomain() *domain.Message {
	return &domain.Message{Id: m.Id, Body: m.Body, Username: m.Username, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt}
}

type Outbox struct {
	Uuid      uuid.UUID
	Topic     string
	Key       string
	Payload   []byte
	CreatedAt time.Time
	SentAt    time.Time
}

func (o Outbox) toDomain() *domain.Outbox {
	return &domain.Outbox{Uuid: o.Uuid, Topic: o.Topic, Key: o.Key, Payload: o.Payload, CreatedAt: o.CreatedAt, SentAt: o.SentAt}
}

// numerator hands out ids; it only moves forward so deleted ids are never reused.
type numerator struct {
	current int64
}

func (n *numerator) GetNext() int64 {
	n.current = n.current + 1
	return n.current
}

func (i *Inmemory) Ping(ctx context.Context) error {
	return nil
}

func (i *Inmemory) Close() error {
	return nil
}

// Messages returns messages in insertion order, which is creation order.
func (i *Inmemory) Messages(ctx context.Context) ([]*domain.Message, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	res := make([]*domain.Message, 0, len(i.messages))
	for _, v := range i.messages {
		res = append(res, v.toDomain())
	}
	return res, nil
}

func (i *Inmemory) CreateMessage(ctx context.Context, message domain.Message) (*domain.Message, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	newMessage := Message{
		Id:        i.numerator.GetNext(),
		Body:      message.Body,
		Username:  message.Username,
		CreatedAt: now,
		UpdatedAt: now,
	}
	i.messages = append(i.messages, newMessage)

	return newMessage.toDomain(), nil
}

func (i *Inmemory) GetMessage(ctx context.Context, id int64) (*domain.Message, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	for _, v := range i.messages {
		if v.Id == id {
			return v.toDomain(), nil
		}
	}
	return nil, storage.ErrMessageNotFound
}

func (i *Inmemory) UpdateMessage(ctx context.Context, id int64, body string) (*domain.Message, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	for key := range i.messages {
		if i.messages[key].Id != id {
			continue
		}
		now := i.now()
		if !now.After(i.messages[key].UpdatedAt) {
			now = i.messages[key].UpdatedAt.Add(time.Microsecond)
		}
		i.messages[key].Body = body
		i.messages[key].UpdatedAt = now

		return i.messages[key].toDomain(), nil
	}
	return nil, storage.ErrMessageNotFound
}

func (i *Inmemory) DeleteMessage(ctx context.Context, id int64) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	for key := range i.messages {
		if i.messages[key].Id == id {
			i.messages = append(i.messages[:key], i.messages[key+1:]...)
			return nil
		}
	}
	return storage.ErrMessageNotFound
}

func (i *Inmemory) CreateMessageOutbox(ctx context.Context, outbox domain.Outbox) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.outboxes = append(i.outboxes, Outbox{
		Uuid:      outbox.Uuid,
		Topic:     outbox.Topic,
		Key:       outbox.Key,
		Payload:   outbox.Payload,
		CreatedAt: outbox.CreatedAt,
	})
	return nil
}

func (i *Inmemory) NextOutbox(ctx context.Context) (*domain.Outbox, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	for _, v := range i.outboxes {
		if v.SentAt.IsZero() {
			return v.toDomain(), nil
		}
	}
	return nil, storage.ErrNoOutbox
}

func (i *Inmemory) ConfirmOutboxSent(ctx context.Context, id uuid.UUID) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	for key := range i.outboxes {
		if i.outboxes[key].Uuid == id {
			i.outboxes[key].SentAt = i.now()
			return nil
		}
	}
	return nil
}

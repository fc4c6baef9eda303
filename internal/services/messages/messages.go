package messages

import (
	"context"
	"errors"
	"log/slog"

	"github.com/alexandernizov/messageboard/internal/domain"
	"github.com/alexandernizov/messageboard/internal/domain/errs"
	"github.com/alexandernizov/messageboard/internal/pkg/logger/sl"
	"github.com/alexandernizov/messageboard/internal/storage"
)

var ErrNotificationNotCreated = errors.New("notification was not created")

type MessageStorage interface {
	Messages(ctx context.Context) ([]*domain.Message, error)
	CreateMessage(ctx context.Context, message domain.Message) (*domain.Message, error)
	GetMessage(ctx context.Context, id int64) (*domain.Message, error)
	UpdateMessage(ctx context.Context, id int64, body string) (*domain.Message, error)
	DeleteMessage(ctx context.Context, id int64) error
}

// MessageNotifier stores an outbox next to the mutation that produced it.
type MessageNotifier interface {
	CreateMessageOutbox(ctx context.Context, outbox domain.Outbox) error
}

// Transactor runs fn in one storage transaction. Storage calls made with the ctx
// passed to fn join it.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type MessageService struct {
	log             *slog.Logger
	messageStorage  MessageStorage
	messageNotifier MessageNotifier
	transactor      Transactor
}

// New builds the service. messageNotifier may be nil when events are not published.
// When messageStorage is a Transactor, every mutation commits together with its outbox.
func New(log *slog.Logger, messageStorage MessageStorage, messageNotifier MessageNotifier) *MessageService {
	m := &MessageService{log: log, messageStorage: messageStorage, messageNotifier: messageNotifier}
	if t, ok := messageStorage.(Transactor); ok {
		m.transactor = t
	}
	return m
}

func (m *MessageService) Messages(ctx context.Context) ([]*domain.Message, error) {
	res, err := m.messageStorage.Messages(ctx)
	if err != nil {
		return nil, mapStorageErr(err)
	}
	if res == nil {
		res = []*domain.Message{}
	}
	return res, nil
}

// NewMessage expects body and username to be validated by the caller.
func (m *MessageService) NewMessage(ctx context.Context, body, username string) (*domain.Message, error) {
	var created *domain.Message
	err := m.withTx(ctx, func(ctx context.Context) error {
		var err error
		created, err = m.messageStorage.CreateMessage(ctx, domain.Message{Body: body, Username: username})
		if err != nil {
			return err
		}
		return m.createOutbox(ctx, domain.MessageCreated, *created)
	})
	if err != nil {
		return nil, mapStorageErr(err)
	}

	return created, nil
}

func (m *MessageService) Message(ctx context.Context, id int64) (*domain.Message, error) {
	msg, err := m.messageStorage.GetMessage(ctx, id)
	if err != nil {
		return nil, mapStorageErr(err)
	}
	return msg, nil
}

// EditMessage replaces the body of a message. A nil body leaves the message untouched,
// including its updated_at.
func (m *MessageService) EditMessage(ctx context.Context, id int64, body *string) (*domain.Message, error) {
	if body == nil {
		return m.Message(ctx, id)
	}

	var updated *domain.Message
	err := m.withTx(ctx, func(ctx context.Context) error {
		var err error
		updated, err = m.messageStorage.UpdateMessage(ctx, id, *body)
		if err != nil {
			return err
		}
		return m.createOutbox(ctx, domain.MessageUpdated, *updated)
	})
	if err != nil {
		return nil, mapStorageErr(err)
	}

	return updated, nil
}

func (m *MessageService) DeleteMessage(ctx context.Context, id int64) error {
	err := m.withTx(ctx, func(ctx context.Context) error {
		if err := m.messageStorage.DeleteMessage(ctx, id); err != nil {
			return err
		}
		return m.createOutbox(ctx, domain.MessageDeleted, domain.Message{Id: id})
	})
	if err != nil {
		return mapStorageErr(err)
	}

	return nil
}

func (m *MessageService) withTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.transactor == nil || m.messageNotifier == nil {
		return fn(ctx)
	}
	return m.transactor.WithTx(ctx, fn)
}

func (m *MessageService) createOutbox(ctx context.Context, eventType string, message domain.Message) error {
	if m.messageNotifier == nil {
		return nil
	}

	const op = "messages.createOutbox"
	log := m.log.With(slog.String("op", op))

	outbox, err := domain.NewMessageOutbox(domain.NewMessageEvent(eventType, message))
	if err != nil {
		log.Error("can't build outbox", sl.Err(err))
		return ErrNotificationNotCreated
	}

	if err := m.messageNotifier.CreateMessageOutbox(ctx, outbox); err != nil {
		log.Error("outbox was not created",
			slog.String("type", eventType),
			slog.Int64("message_id", message.Id),
			sl.Err(err),
		)
		return ErrNotificationNotCreated
	}
	return nil
}

func mapStorageErr(err error) error {
	if errors.Is(err, storage.ErrMessageNotFound) {
		return errs.ErrMessageNotFound
	}
	return errs.ErrStorageUnavailable
}

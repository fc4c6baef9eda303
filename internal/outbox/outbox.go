package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/alexandernizov/messageboard/internal/domain"
	"github.com/alexandernizov/messageboard/internal/pkg/logger/sl"
	"github.com/alexandernizov/messageboard/internal/storage"
)

type OutboxProvider interface {
	NextOutbox(ctx context.Context) (*domain.Outbox, error)
	ConfirmOutboxSent(ctx context.Context, id uuid.UUID) error
}

// Publisher moves stored outboxes to Kafka. An outbox is confirmed only after Kafka
// acknowledged it, so delivery is at least once and consumers dedupe by event_id.
type Publisher struct {
	log      *slog.Logger
	producer sarama.SyncProducer
	outbox   OutboxProvider
	topic    string
	interval time.Duration
}

const defaultInterval = time.Second

var (
	ErrNoConnection = errors.New("can't establish connection to kafka")
	ErrInternal     = errors.New("internal error")
)

type ConnectOptions struct {
	Brokers  []string
	Topic    string
	ClientId string
	Timeout  time.Duration
	Interval time.Duration
}

func New(log *slog.Logger, outboxProvider OutboxProvider, cOpts ConnectOptions) (*Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = cOpts.ClientId
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	if cOpts.Timeout > 0 {
		cfg.Producer.Timeout = cOpts.Timeout
		cfg.Net.DialTimeout = cOpts.Timeout
	}

	producer, err := sarama.NewSyncProducer(cOpts.Brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("can't connect to Kafka: %w", ErrNoConnection)
	}
	return NewWithProducer(log, producer, outboxProvider, cOpts.Topic, cOpts.Interval), nil
}

// NewWithProducer sends every outbox to topic, or to the outbox's own topic when
// topic is empty.
func NewWithProducer(log *slog.Logger, producer sarama.SyncProducer, outboxProvider OutboxProvider, topic string, interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Publisher{log: log, producer: producer, outbox: outboxProvider, topic: topic, interval: interval}
}

// ServePublish drains the outbox every interval until ctx is done.
func (p *Publisher) ServePublish(ctx context.Context) {
	const op = "outbox.ServePublish"
	log := p.log.With(slog.String("op", op))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if sent, err := p.PublishPending(ctx); err != nil && ctx.Err() == nil {
			log.Warn("outbox is not drained", slog.Int("sent", sent), sl.Err(err))
		}

		select {
		case <-ctx.Done():
			log.Info("publisher stopped")
			return
		case <-ticker.C:
		}
	}
}

// PublishPending sends outboxes oldest first until none is left. It stops at the
// first failure and leaves the failed outbox for the next run.
func (p *Publisher) PublishPending(ctx context.Context) (int, error) {
	const op = "outbox.PublishPending"
	log := p.log.With(slog.String("op", op))

	for sent := 0; ; sent++ {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		next, err := p.outbox.NextOutbox(ctx)
		if errors.Is(err, storage.ErrNoOutbox) {
			return sent, nil
		}
		if err != nil {
			return sent, ErrInternal
		}

		topic := p.topic
		if topic == "" {
			topic = next.Topic
		}

		partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
			Topic: topic,
			Key:   sarama.StringEncoder(next.Key),
			Value: sarama.ByteEncoder(next.Payload),
		})
		if err != nil {
			log.Warn("failed to deliver message", slog.String("topic", topic), sl.Err(err))
			return sent, fmt.Errorf("%w: %w", ErrNoConnection, err)
		}

		if err := p.outbox.ConfirmOutboxSent(ctx, next.Uuid); err != nil {
			return sent, ErrInternal
		}

		log.Debug("produced event to topic",
			slog.String("topic", topic),
			slog.String("outbox", next.Uuid.String()),
			slog.Int("partition", int(partition)),
			slog.Int64("offset", offset),
		)
	}
}

func (p *Publisher) Close() error {
	return p.producer.Close()
}

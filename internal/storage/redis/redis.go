package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alexandernizov/messageboard/internal/domain"
	"github.com/alexandernizov/messageboard/internal/pkg/logger/sl"
	"github.com/alexandernizov/messageboard/internal/storage"
)

// Redis keeps each message in a hash and the creation order in a sorted set scored by id.
// Pending outboxes live the same way, scored by creation time. Redis has no
// transaction spanning several calls, so a message and its outbox are written separately.
type Redis struct {
	log *slog.Logger
	db  *redis.Client
	now func() time.Time
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

const (
	sequenceKey = "messages:seq"
	indexKey    = "messages:index"
	messageKey  = "message:"

	outboxPendingKey = "outbox:pending"
	outboxKey        = "outbox:"

	timeLayout = time.RFC3339Nano
)

func New(log *slog.Logger, db *redis.Client) *Redis {
	return &Redis{log: log, db: db, now: storage.Now}
}

func NewRedis(ctx context.Context, log *slog.Logger, opt RedisOptions) (*Redis, error) {
	db := redis.NewClient(&redis.Options{Addr: opt.Addr, Password: opt.Password, DB: opt.DB})

	_, err := db.Ping(ctx).Result()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("can't ping Redis DB: %w", storage.ErrNoConnection)
	}
	return New(log, db), nil
}

func (r *Redis) Close() error {
	return r.db.Close()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.db.Ping(ctx).Err()
}

func key(id int64) string {
	return messageKey + strconv.FormatInt(id, 10)
}

func (r *Redis) Messages(ctx context.Context) ([]*domain.Message, error) {
	const op = "redis.Messages"
	log := r.log.With(slog.String("op", op))

	ids, err := r.db.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		log.Error("error: ", sl.Err(err))
		return nil, storage.ErrInternal
	}

	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	_, err = r.db.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			cmds = append(cmds, pipe.HGetAll(ctx, messageKey+id))
		}
		return nil
	})
	if err != nil {
		log.Error("error: ", sl.Err(err))
		return nil, storage.ErrInternal
	}

	res := make([]*domain.Message, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		// deleted between ZRANGE and HGETALL
		if len(fields) == 0 {
			continue
		}
		msg, err := decode(fields)
		if err != nil {
			log.Error("malformed message hash", slog.String("id", ids[i]), sl.Err(err))
			return nil, storage.ErrInternal
		}
		res = append(res, msg)
	}

	return res, nil
}

func (r *Redis) CreateMessage(ctx context.Context, message domain.Message) (*domain.Message, error) {
	const op = "redis.CreateMessage"
	log := r.log.With(slog.String("op", op))

	id, err := r.db.Incr(ctx, sequenceKey).Result()
	if err != nil {
		log.Error("can't allocate id", sl.Err(err))
		return nil, storage.ErrInternal
	}

	now := r.now()
	created := domain.Message{Id: id, Body: message.Body, Username: message.Username, CreatedAt: now, UpdatedAt: now}

	_, err = r.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key(id), encode(created)...)
		pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(id), Member: strconv.FormatInt(id, 10)})
		return nil
	})
	if err != nil {
		log.Error("error: ", sl.Err(err))
		return nil, storage.ErrInternal
	}

	return &created, nil
}

func (r *Redis) GetMessage(ctx context.Context, id int64) (*domain.Message, error) {
	const op = "redis.GetMessage"
	log := r.log.With(slog.String("op", op))

	fields, err := r.db.HGetAll(ctx, key(id)).Result()
	if err != nil {
		log.Error("error: ", sl.Err(err))
		return nil, storage.ErrInternal
	}
	if len(fields) == 0 {
		return nil, storage.ErrMessageNotFound
	}

	msg, err := decode(fields)
	if err != nil {
		log.Error("malformed message hash", sl.Err(err))
		return nil, storage.ErrInternal
	}
	return msg, nil
}

// UpdateMessage watches the message key so a concurrent delete aborts the update
// instead of resurrecting a partial hash.
func (r *Redis) UpdateMessage(ctx context.Context, id int64, body string) (*domain.Message, error) {
	const op = "redis.UpdateMessage"
	log := r.log.With(slog.String("op", op))

	var updated *domain.Message
	err := r.db.Watch(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key(id)).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return storage.ErrMessageNotFound
		}
		msg, err := decode(fields)
		if err != nil {
			return err
		}

		now := r.now()
		if !now.After(msg.UpdatedAt) {
			now = msg.UpdatedAt.Add(time.Microsecond)
		}
		msg.Body = body
		msg.UpdatedAt = now

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key(id), "body", msg.Body, "updated_at", msg.UpdatedAt.Format(timeLayout))
			return nil
		})
		if err != nil {
			return err
		}
		updated = msg
		return nil
	}, key(id))

	if errors.Is(err, storage.ErrMessageNotFound) {
		return nil, storage.ErrMessageNotFound
	}
	if err != nil {
		log.Error("error: ", sl.Err(err))
		return nil, storage.ErrInternal
	}

	return updated, nil
}

func (r *Redis) DeleteMessage(ctx context.Context, id int64) error {
	const op = "redis.DeleteMessage"
	log := r.log.With(slog.String("op", op))

	var deleted *redis.IntCmd
	_, err := r.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, key(id))
		pipe.ZRem(ctx, indexKey, strconv.FormatInt(id, 10))
		return nil
	})
	if err != nil {
		log.Error("error: ", sl.Err(err))
		return storage.ErrInternal
	}
	if deleted.Val() == 0 {
		return storage.ErrMessageNotFound
	}

	return nil
}

func (r *Redis) CreateMessageOutbox(ctx context.Context, outbox domain.Outbox) error {
	const op = "redis.CreateMessageOutbox"
	log := r.log.With(slog.String("op", op))

	id := outbox.Uuid.String()
	_, err := r.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, outboxKey+id,
			"topic", outbox.Topic,
			"key", outbox.Key,
			"payload", string(outbox.Payload),
			"created_at", outbox.CreatedAt.Format(timeLayout),
		)
		pipe.ZAdd(ctx, outboxPendingKey, redis.Z{Score: float64(outbox.CreatedAt.UnixMicro()), Member: id})
		return nil
	})
	if err != nil {
		log.Error("error: ", sl.Err(err))
		return storage.ErrInternal
	}
	return nil
}

// NextOutbox returns the oldest outbox that was not sent yet.
func (r *Redis) NextOutbox(ctx context.Context) (*domain.Outbox, error) {
	const op = "redis.NextOutbox"
	log := r.log.With(slog.String("op", op))

	ids, err := r.db.ZRange(ctx, outboxPendingKey, 0, 0).Result()
	if err != nil {
		log.Error("error: ", sl.Err(err))
		return nil, storage.ErrInternal
	}
	if len(ids) == 0 {
		return nil, storage.ErrNoOutbox
	}

	fields, err := r.db.HGetAll(ctx, outboxKey+ids[0]).Result()
	if err != nil {
		log.Error("error: ", sl.Err(err))
		return nil, storage.ErrInternal
	}

	id, err := uuid.Parse(ids[0])
	if err != nil {
		log.Error("malformed outbox id", slog.String("id", ids[0]), sl.Err(err))
		return nil, storage.ErrInternal
	}
	createdAt, err := time.Parse(timeLayout, fields["created_at"])
	if err != nil {
		log.Error("malformed outbox hash", slog.String("id", ids[0]), sl.Err(err))
		return nil, storage.ErrInternal
	}

	return &domain.Outbox{
		Uuid:      id,
		Topic:     fields["topic"],
		Key:       fields["key"],
		Payload:   []byte(fields["payload"]),
		CreatedAt: createdAt.UTC(),
	}, nil
}

func (r *Redis) ConfirmOutboxSent(ctx context.Context, id uuid.UUID) error {
	const op = "redis.ConfirmOutboxSent"
	log := r.log.With(slog.String("op", op))

	_, err := r.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, outboxKey+id.String(), "sent_at", r.now().Format(timeLayout))
		pipe.ZRem(ctx, outboxPendingKey, id.String())
		return nil
	})
	if err != nil {
		log.Error("error: ", sl.Err(err))
		return storage.ErrInternal
	}
	return nil
}

func encode(msg domain.Message) []any {
	return []any{
		"id", strconv.FormatInt(msg.Id, 10),
		"body", msg.Body,
		"username", msg.Username,
		"created_at", msg.CreatedAt.Format(timeLayout),
		"updated_at", msg.UpdatedAt.Format(timeLayout),
	}
}

func decode(fields map[string]string) (*domain.Message, error) {
	id, err := strconv.ParseInt(fields["id"], 10, 64)
	if err != nil {
		return nil, err
	}
	createdAt, err := time.Parse(timeLayout, fields["created_at"])
	if err != nil {
		return nil, err
	}
	updatedAt, err := time.Parse(timeLayout, fields["updated_at"])
	if err != nil {
		return nil, err
	}

	return &domain.Message{
		Id:        id,
		Body:      fields["body"],
		Username:  fields["username"],
		CreatedAt: createdAt.UTC(),
		UpdatedAt: updatedAt.UTC(),
	}, nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"

	"github.com/alexandernizov/messageboard/internal/domain"
	"github.com/alexandernizov/messageboard/internal/pkg/logger/sl"
	"github.com/alexandernizov/messageboard/internal/storage"
)

type Postgres struct {
	log *slog.Logger
	db  *sql.DB
	now func() time.Time
}

type ConnectOptions struct {
	// Driver is the database/sql driver name: "postgres" (lib/pq) or "pgx".
	Driver   string
	Host     string
	Port     string
	User     string
	Password string
	DBname   string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

const (
	messagesTable = "messages"
	outboxTable   = "outbox_messages"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		body TEXT NOT NULL,
		username TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		CHECK (updated_at >= created_at)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages (created_at, id)`,
	`CREATE TABLE IF NOT EXISTS outbox_messages (
		seq BIGSERIAL PRIMARY KEY,
		id UUID NOT NULL UNIQUE,
		topic TEXT NOT NULL,
		message_key TEXT NOT NULL,
		payload BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		sent_at TIMESTAMPTZ
	)`,
}

func New(log *slog.Logger, db *sql.DB) *Postgres {
	return &Postgres{log: log, db: db, now: storage.Now}
}

func NewWithOptions(ctx context.Context, log *slog.Logger, opt ConnectOptions) (*Postgres, error) {
	driver := opt.Driver
	if driver == "" {
		driver = "postgres"
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	psqlInfo := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		opt.Host,
		opt.Port,
		opt.User,
		opt.Password,
		opt.DBname,
		sslMode)

	db, err := sql.Open(driver, psqlInfo)
	if err != nil {
		return nil, fmt.Errorf("can't open Postgres DB: %w", storage.ErrNoConnection)
	}

	if opt.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opt.MaxOpenConns)
	}
	if opt.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opt.MaxIdleConns)
	}
	if opt.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opt.ConnMaxLifetime)
	}

	err = db.PingContext(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("can't ping Postgres DB: %w", storage.ErrNoConnection)
	}

	return New(log, db), nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type txKey struct{}

func injectTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// extractTx reuses the transaction carried by ctx, or begins a new one. closeTx commits
// or rolls back a transaction it began and returns the error the caller should handle.
func (p *Postgres) extractTx(ctx context.Context) (tx *sql.Tx, closeTx func(err error) error, err error) {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx, func(err error) error { return err }, nil
	}

	tx, err = p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	return tx, func(err error) error {
		if err != nil {
			if errRollback := tx.Rollback(); errRollback != nil {
				p.log.Error("error according rollback transaction in DB", sl.Err(errRollback))
			}
			return err
		}
		return tx.Commit()
	}, nil
}

// WithTx runs tFunc in one transaction. Storage calls made with the ctx passed to
// tFunc join it.
func (p *Postgres) WithTx(ctx context.Context, tFunc func(ctx context.Context) error) error {
	const op = "postgres.WithTx"
	log := p.log.With(slog.String("op", op))

	tx, beginError := p.db.BeginTx(ctx, nil)
	if beginError != nil {
		log.Error("error with Start transaction", sl.Err(beginError))
		return storage.ErrInternal
	}

	ctxTx := injectTx(ctx, tx)

	fnError := tFunc(ctxTx)

	if fnError != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			log.Error("error with Rollback transaction", sl.Err(rollbackErr))
			return storage.ErrInternal
		}
		return fnError
	}

	if commitError := tx.Commit(); commitError != nil {
		log.Error("error with Commit transaction", sl.Err(commitError))
		return storage.ErrInternal
	}

	return nil
}

// Migrate creates the messages and outbox tables if they do not exist yet.
func (p *Postgres) Migrate(ctx context.Context) error {
	const op = "postgres.Migrate"
	log := p.log.With(slog.String("op", op))

	return p.WithTx(ctx, func(ctx context.Context) error {
		tx, closeTx, err := p.extractTx(ctx)
		if err != nil {
			return storage.ErrInternal
		}
		for _, stmt := range schema {
			if _, err = tx.ExecContext(ctx, stmt); err != nil {
				break
			}
		}
		if err = closeTx(err); err != nil {
			log.Error("can't create schema", sl.Err(err))
			return storage.ErrInternal
		}
		return nil
	})
}

func (p *Postgres) Messages(ctx context.Context) ([]*domain.Message, error) {
	const op = "postgres.Messages"
	log := p.log.With(slog.String("op", op))

	tx, closeTx, err := p.extractTx(ctx)
	if err != nil {
		log.Error("can't begin transaction", sl.Err(err))
		return nil, storage.ErrInternal
	}

	query := fmt.Sprintf("SELECT id, body, username, created_at, updated_at FROM %s ORDER BY created_at ASC, id ASC", messagesTable)
	res, err := scanMessages(tx.QueryContext(ctx, query))
	err = closeTx(err)

	if err != nil {
		log.Error("error: ", sl.Err(err))
		return nil, storage.ErrInternal
	}

	return res, nil
}

func (p *Postgres) CreateMessage(ctx context.Context, message domain.Message) (*domain.Message, error) {
	const op = "postgres.CreateMessage"
	log := p.log.With(slog.String("op", op))

	tx, closeTx, err := p.extractTx(ctx)
	if err != nil {
		log.Error("can't begin transaction", sl.Err(err))
		return nil, storage.ErrInternal
	}

	now := p.now()
	created := domain.Message{Body: message.Body, Username: message.Username, CreatedAt: now, UpdatedAt: now}

	query := fmt.Sprintf("INSERT INTO %s (body, username, created_at, updated_at) VALUES ($1, $2, $3, $3) RETURNING id", messagesTable)
	err = tx.QueryRowContext(ctx, query, created.Body, created.Username, now).Scan(&created.Id)
	err = closeTx(err)

	if err != nil {
		log.Error("error: ", sl.Err(err))
		return nil, storage.ErrInternal
	}

	return &created, nil
}

func (p *Postgres) GetMessage(ctx context.Context, id int64) (*domain.Message, error) {
	const op = "postgres.GetMessage"
	log := p.log.With(slog.String("op", op))

	tx, closeTx, err := p.extractTx(ctx)
	if err != nil {
		log.Error("can't begin transaction", sl.Err(err))
		return nil, storage.ErrInternal
	}

	query := fmt.Sprintf("SELECT id, body, username, created_at, updated_at FROM %s WHERE id = $1", messagesTable)
	msg, err := scanMessage(tx.QueryRowContext(ctx, query, id))
	err = closeTx(err)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrMessageNotFound
	}
	if err != nil {
		log.Error("error: ", sl.Err(err))
		return nil, storage.ErrInternal
	}

	return msg, nil
}

// UpdateMessage moves updated_at strictly forward, even when the clock did not.
func (p *Postgres) UpdateMessage(ctx context.Context, id int64, body string) (*domain.Message, error) {
	const op = "postgres.UpdateMessage"
	log := p.log.With(slog.String("op", op))

	tx, closeTx, err := p.extractTx(ctx)
	if err != nil {
		log.Error("can't begin transaction", sl.Err(err))
		return nil, storage.ErrInternal
	}

	query := fmt.Sprintf(`UPDATE %s SET body = $1, updated_at = GREATEST($2, updated_at + interval '1 microsecond') WHERE id = $3
		RETURNING id, body, username, created_at, updated_at`, messagesTable)
	msg, err := scanMessage(tx.QueryRowContext(ctx, query, body, p.now(), id))
	err = closeTx(err)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrMessageNotFound
	}
	if err != nil {
		log.Error("error: ", sl.Err(err))
		return nil, storage.ErrInternal
	}

	return msg, nil
}

func (p *Postgres) DeleteMessage(ctx context.Context, id int64) error {
	const op = "postgres.DeleteMessage"
	log := p.log.With(slog.String("op", op))

	tx, closeTx, err := p.extractTx(ctx)
	if err != nil {
		log.Error("can't begin transaction", sl.Err(err))
		return storage.ErrInternal
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", messagesTable)
	res, err := tx.ExecContext(ctx, query, id)
	if err == nil {
		var affected int64
		affected, err = res.RowsAffected()
		if err == nil && affected == 0 {
			err = sql.ErrNoRows
		}
	}
	err = closeTx(err)

	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrMessageNotFound
	}
	if err != nil {
		log.Error("error: ", sl.Err(err))
		return storage.ErrInternal
	}

	return nil
}

func (p *Postgres) CreateMessageOutbox(ctx context.Context, outbox domain.Outbox) error {
	const op = "postgres.CreateMessageOutbox"
	log := p.log.With(slog.String("op", op))

	tx, closeTx, err := p.extractTx(ctx)
	if err != nil {
		log.Error("can't begin transaction", sl.Err(err))
		return storage.ErrInternal
	}

	query := fmt.Sprintf("INSERT INTO %s (id, topic, message_key, payload, created_at) VALUES ($1, $2, $3, $4, $5)", outboxTable)
	_, err = tx.ExecContext(ctx, query, outbox.Uuid, outbox.Topic, outbox.Key, outbox.Payload, outbox.CreatedAt)
	err = closeTx(err)

	if err != nil {
		log.Error("error: ", sl.Err(err))
		return storage.ErrInternal
	}
	return nil
}

// NextOutbox returns the oldest outbox that was not sent yet.
func (p *Postgres) NextOutbox(ctx context.Context) (*domain.Outbox, error) {
	const op = "postgres.NextOutbox"
	log := p.log.With(slog.String("op", op))

	tx, closeTx, err := p.extractTx(ctx)
	if err != nil {
		log.Error("can't begin transaction", sl.Err(err))
		return nil, storage.ErrInternal
	}

	query := fmt.Sprintf("SELECT id, topic, message_key, payload, created_at FROM %s WHERE sent_at IS NULL ORDER BY seq ASC LIMIT 1", outboxTable)
	var res domain.Outbox
	err = tx.QueryRowContext(ctx, query).Scan(&res.Uuid, &res.Topic, &res.Key, &res.Payload, &res.CreatedAt)
	err = closeTx(err)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNoOutbox
	}
	if err != nil {
		log.Error("error: ", sl.Err(err))
		return nil, storage.ErrInternal
	}

	res.CreatedAt = res.CreatedAt.UTC()
	return &res, nil
}

func (p *Postgres) ConfirmOutboxSent(ctx context.Context, id uuid.UUID) error {
	const op = "postgres.ConfirmOutboxSent"
	log := p.log.With(slog.String("op", op))

	tx, closeTx, err := p.extractTx(ctx)
	if err != nil {
		log.Error("can't begin transaction", sl.Err(err))
		return storage.ErrInternal
	}

	query := fmt.Sprintf("UPDATE %s SET sent_at = $1 WHERE id = $2", outboxTable)
	_, err = tx.ExecContext(ctx, query, p.now(), id)
	err = closeTx(err)

	if err != nil {
		log.Error("error: ", sl.Err(err))
		return storage.ErrInternal
	}
	return nil
}

func scanMessage(row *sql.Row) (*domain.Message, error) {
	var msg domain.Message
	if err := row.Scan(&msg.Id, &msg.Body, &msg.Username, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
		return nil, err
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.UpdatedAt = msg.UpdatedAt.UTC()
	return &msg, nil
}

func scanMessages(rows *sql.Rows, err error) ([]*domain.Message, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]*domain.Message, 0)
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(&msg.Id, &msg.Body, &msg.Username, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
			return nil, err
		}
		msg.CreatedAt = msg.CreatedAt.UTC()
		msg.UpdatedAt = msg.UpdatedAt.UTC()
		res = append(res, &msg)
	}

	return res, rows.Err()
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/alexandernizov/messageboard/internal/domain"
	"github.com/alexandernizov/messageboard/internal/pkg/logger/sl"
	"github.com/alexandernizov/messageboard/internal/storage"
)

// Sqlite keeps messages in a single database file. The pool holds one connection,
// so every statement runs in the transaction carried by ctx when there is one.
type Sqlite struct {
	log *slog.Logger
	db  *sql.DB
	now func() time.Time
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		body TEXT NOT NULL,
		username TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		topic TEXT NOT NULL,
		message_key TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at DATETIME NOT NULL,
		sent_at DATETIME
	)`,
}

const selectMessage = "SELECT id, body, username, created_at, updated_at FROM messages WHERE id = ?"

func New(log *slog.Logger, db *sql.DB) *Sqlite {
	return &Sqlite{log: log, db: db, now: storage.Now}
}

// Open opens (creating if needed) the database file at path.
func Open(ctx context.Context, log *slog.Logger, path string) (*Sqlite, error) {
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("can't open SQLite DB: %w", storage.ErrNoConnection)
	}
	// one writer at a time
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("can't ping SQLite DB: %w", storage.ErrNoConnection)
	}

	return New(log, db), nil
}

func (s *Sqlite) Close() error {
	return s.db.Close()
}

func (s *Sqlite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type txKey struct{}

func injectTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func (s *Sqlite) extractTx(ctx context.Context) (tx *sql.Tx, closeTx func(err error) error, err error) {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx, func(err error) error { return err }, nil
	}

	tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	return tx, func(err error) error {
		if err != nil {
			if errRollback := tx.Rollback(); errRollback != nil {
				s.log.Error("error according rollback transaction in DB", sl.Err(errRollback))
			}
			return err
		}
		return tx.Commit()
	}, nil
}

// WithTx runs tFunc in one transaction. Storage calls made with the ctx passed to
// tFunc join it.
func (s *Sqlite) WithTx(ctx context.Context, tFunc func(ctx context.Context) error) error {
	const op = "sqlite.WithTx"
	log := s.log.With(slog.String("op", op))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		log.Error("error with Start transaction", sl.Err(err))
		return storage.ErrInternal
	}

	if err := tFunc(injectTx(ctx, tx)); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			log.Error("error with Rollback transaction", sl.Err(rollbackErr))
			return storage.ErrInternal
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		log.Error("error with Commit transaction", sl.Err(err))
		return storage.ErrInternal
	}
	return nil
}

func (s *Sqlite) Migrate(ctx context.Context) error {
	const op = "sqlite.Migrate"
	log := s.log.With(slog.String("op", op))

	return s.WithTx(ctx, func(ctx context.Context) error {
		tx, closeTx, err := s.extractTx(ctx)
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

func (s *Sqlite) Messages(ctx context.Context) ([]*domain.Message, error) {
	const op = "sqlite.Messages"
	log := s.log.With(slog.String("op", op))

	tx, closeTx, err := s.extractTx(ctx)
	if err != nil {
		log.Error("can't begin transaction", sl.Err(err))
		return nil, storage.ErrInternal
	}

	res, err := scanMessages(tx.QueryContext(ctx, "SELECT id, body, username, created_at, updated_at FROM messages ORDER BY created_at ASC, id ASC"))
	err = closeTx(err)

	if err != nil {
		log.Error("error: ", sl.Err(err))
		return nil, storage.ErrInternal
	}

	return res, nil
}

func (s *Sqlite) CreateMessage(ctx context.Context, message domain.Message) (*domain.Message, error) {
	const op = "sqlite.CreateMessage"
	log := s.log.With(slog.String("op", op))

	tx, closeTx, err := s.extractTx(ctx)
	if err != nil {
		log.Error("can't begin transaction", sl.Err(err))
		return nil, storage.ErrInternal
	}

	now := s.now()
	created := domain.Message{Body: message.Body, Username: message.Username, CreatedAt: now, UpdatedAt: now}

	err = tx.QueryRowContext(ctx,
		"INSERT INTO messages (body, username, created_at, updated_at) VALUES (?, ?, ?, ?) RETURNING id",
		created.Body, created.Username, now, now,
	).Scan(&created.Id)
	err = closeTx(err)

	if err != nil {
		log.Error("error: ", sl.Err(err))
		return nil, storage.ErrInternal
	}

	return &created, nil
}

func (s *Sqlite) GetMessage(ctx context.Context, id int64) (*domain.Message, error) {
	const op = "sqlite.GetMessage"
	log := s.log.With(slog.String("op", op))

	tx, closeTx, err := s.extractTx(ctx)
	if err != nil {
		log.Error("can't begin transaction", sl.Err(err))
		return nil, storage.ErrInternal
	}

	msg, err := scanMessage(tx.QueryRowContext(ctx, selectMessage, id))
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

// UpdateMessage stamps updated_at strictly after its previous value, even when
// the clock did not move or went backwards.
func (s *Sqlite) UpdateMessage(ctx context.Context, id int64, body string) (*domain.Message, error) {
	const op = "sqlite.UpdateMessage"
	log := s.log.With(slog.String("op", op))

	tx, closeTx, err := s.extractTx(ctx)
	if err != nil {
		log.Error("can't begin transaction", sl.Err(err))
		return nil, storage.ErrInternal
	}

	msg, err := s.updateMessage(ctx, tx, id, body)
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

func (s *Sqlite) updateMessage(ctx context.Context, tx *sql.Tx, id int64, body string) (*domain.Message, error) {
	var prev time.Time
	if err := tx.QueryRowContext(ctx, "SELECT updated_at FROM messages WHERE id = ?", id).Scan(&prev); err != nil {
		return nil, err
	}

	now := s.now()
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}

	if _, err := tx.ExecContext(ctx, "UPDATE messages SET body = ?, updated_at = ? WHERE id = ?", body, now, id); err != nil {
		return nil, err
	}

	return scanMessage(tx.QueryRowContext(ctx, selectMessage, id))
}

func (s *Sqlite) DeleteMessage(ctx context.Context, id int64) error {
	const op = "sqlite.DeleteMessage"
	log := s.log.With(slog.String("op", op))

	tx, closeTx, err := s.extractTx(ctx)
	if err != nil {
		log.Error("can't begin transaction", sl.Err(err))
		return storage.ErrInternal
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
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

func (s *Sqlite) CreateMessageOutbox(ctx context.Context, outbox domain.Outbox) error {
	const op = "sqlite.CreateMessageOutbox"
	log := s.log.With(slog.String("op", op))

	tx, closeTx, err := s.extractTx(ctx)
	if err != nil {
		log.Error("can't begin transaction", sl.Err(err))
		return storage.ErrInternal
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO outbox_messages (id, topic, message_key, payload, created_at) VALUES (?, ?, ?, ?, ?)",
		outbox.Uuid.String(), outbox.Topic, outbox.Key, outbox.Payload, outbox.CreatedAt,
	)
	err = closeTx(err)

	if err != nil {
		log.Error("error: ", sl.Err(err))
		return storage.ErrInternal
	}
	return nil
}

// NextOutbox returns the oldest outbox that was not sent yet.
func (s *Sqlite) NextOutbox(ctx context.Context) (*domain.Outbox, error) {
	const op = "sqlite.NextOutbox"
	log := s.log.With(slog.String("op", op))

	tx, closeTx, err := s.extractTx(ctx)
	if err != nil {
		log.Error("can't begin transaction", sl.Err(err))
		return nil, storage.ErrInternal
	}

	var res domain.Outbox
	var id string
	err = tx.QueryRowContext(ctx,
		"SELECT id, topic, message_key, payload, created_at FROM outbox_messages WHERE sent_at IS NULL ORDER BY seq ASC LIMIT 1",
	).Scan(&id, &res.Topic, &res.Key, &res.Payload, &res.CreatedAt)
	if err == nil {
		res.Uuid, err = uuid.Parse(id)
	}
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

func (s *Sqlite) ConfirmOutboxSent(ctx context.Context, id uuid.UUID) error {
	const op = "sqlite.ConfirmOutboxSent"
	log := s.log.With(slog.String("op", op))

	tx, closeTx, err := s.extractTx(ctx)
	if err != nil {
		log.Error("can't begin transaction", sl.Err(err))
		return storage.ErrInternal
	}

	_, err = tx.ExecContext(ctx, "UPDATE outbox_messages SET sent_at = ? WHERE id = ?", s.now(), id.String())
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
	return normalize(&msg), nil
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
		res = append(res, normalize(&msg))
	}

	return res, rows.Err()
}

func normalize(msg *domain.Message) *domain.Message {
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.UpdatedAt = msg.UpdatedAt.UTC()
	return msg
}

package storage

import (
	"errors"
	"time"
)

var (
	ErrNoConnection = errors.New("can't establish connection to db")

	ErrInternal = errors.New("internal error")

	ErrMessageNotFound = errors.New("message is not found")

	ErrNoOutbox = errors.New("have no outbox to send")
)

// Now is the clock all backends stamp messages with. Postgres keeps microseconds,
// so the value is truncated to keep what is returned equal to what is stored.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

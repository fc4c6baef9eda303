package inmemory

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandernizov/messageboard/internal/domain"
	"github.com/alexandernizov/messageboard/internal/storage"
)

var nowTest = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newTestStorage() *Inmemory {
	i := New(slog.New(slog.NewTextHandler(os.Stdout, nil)))
	i.now = func() time.Time { return nowTest }
	return i
}

func TestInmemory_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	i := newTestStorage()

	created, err := i.CreateMessage(ctx, domain.Message{Body: "Hello 👋", Username: "Liza"})
	require.NoError(t, err)

	want := &domain.Message{Id: 1, Body: "Hello 👋", Username: "Liza", CreatedAt: nowTest, UpdatedAt: nowTest}
	assert.Equal(t, want, created)

	got, err := i.GetMessage(ctx, created.Id)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = i.GetMessage(ctx, 42)
	assert.Equal(t, storage.ErrMessageNotFound, err)
}

func TestInmemory_UpdateRefreshesUpdatedAt(t *testing.T) {
	ctx := context.Background()
	i := newTestStorage()

	created, err := i.CreateMessage(ctx, domain.Message{Body: "Hello", Username: "Liza"})
	require.NoError(t, err)

	// the clock has not moved, the update still has to move updated_at forward
	updated, err := i.UpdateMessage(ctx, created.Id, "Goodbye")
	require.NoError(t, err)
	assert.Equal(t, "Goodbye", updated.Body)
	assert.Equal(t, "Liza", updated.Username)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))

	_, err = i.UpdateMessage(ctx, 42, "Goodbye")
	assert.Equal(t, storage.ErrMessageNotFound, err)
}

func TestInmemory_DeleteNeverReusesIds(t *testing.T) {
	ctx := context.Background()
	i := newTestStorage()

	a, _ := i.CreateMessage(ctx, domain.Message{Body: "A", Username: "u"})
	b, _ := i.CreateMessage(ctx, domain.Message{Body: "B", Username: "u"})

	require.NoError(t, i.DeleteMessage(ctx, b.Id))
	assert.Equal(t, storage.ErrMessageNotFound, i.DeleteMessage(ctx, b.Id))

	c, _ := i.CreateMessage(ctx, domain.Message{Body: "C", Username: "u"})
	assert.Equal(t, int64(3), c.Id)

	list, err := i.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.Id, list[0].Id)
	assert.Equal(t, c.Id, list[1].Id)
}

func TestInmemory_ConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	i := New(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	var wg sync.WaitGroup
	for n := 0; n < 50; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = i.CreateMessage(ctx, domain.Message{Body: "hi", Username: "u"})
		}()
	}
	wg.Wait()

	list, err := i.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, list, 50)

	seen := make(map[int64]bool)
	for _, m := range list {
		assert.False(t, seen[m.Id], "duplicate id %d", m.Id)
		seen[m.Id] = true
	}
}

func TestInmemory_Outbox(t *testing.T) {
	ctx := context.Background()
	i := newTestStorage()

	_, err := i.NextOutbox(ctx)
	assert.Equal(t, storage.ErrNoOutbox, err)

	first := domain.Outbox{Uuid: uuid.New(), Topic: domain.MessageTopic, Key: "1", Payload: []byte(`{}`), CreatedAt: nowTest}
	second := domain.Outbox{Uuid: uuid.New(), Topic: domain.MessageTopic, Key: "2", Payload: []byte(`{}`), CreatedAt: nowTest}
	require.NoError(t, i.CreateMessageOutbox(ctx, first))
	require.NoError(t, i.CreateMessageOutbox(ctx, second))

	next, err := i.NextOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, &first, next)

	require.NoError(t, i.ConfirmOutboxSent(ctx, first.Uuid))

	next, err = i.NextOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, &second, next)

	require.NoError(t, i.ConfirmOutboxSent(ctx, second.Uuid))

	_, err = i.NextOutbox(ctx)
	assert.Equal(t, storage.ErrNoOutbox, err)
}

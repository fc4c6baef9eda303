package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandernizov/messageboard/internal/domain"
	httpserver "github.com/alexandernizov/messageboard/internal/http"
	"github.com/alexandernizov/messageboard/internal/services/messages"
	"github.com/alexandernizov/messageboard/internal/storage"
	"github.com/alexandernizov/messageboard/internal/storage/inmemory"
)

func newTestServer(t *testing.T, options ...func(*httpserver.Server)) *httptest.Server {
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))
	store := inmemory.New(log)
	service := messages.New(log, store, nil)

	options = append([]func(*httpserver.Server){
		httpserver.WithLogger(log),
		httpserver.WithMessageProvider(service),
		httpserver.WithHealthChecker(store),
	}, options...)

	ts := httptest.NewServer(httpserver.New(options...).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path, body string) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func create(t *testing.T, ts *httptest.Server, body, username string) domain.Message {
	t.Helper()

	payload, _ := json.Marshal(map[string]string{"body": body, "username": username})
	resp := do(t, ts, http.MethodPost, "/messages", string(payload))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[domain.Message](t, resp)
}

func TestMessages_CreateThenGet(t *testing.T) {
	ts := newTestServer(t)

	created := create(t, ts, "Hello 👋", "Liza")
	assert.Positive(t, created.Id)
	assert.Equal(t, "Hello 👋", created.Body)
	assert.Equal(t, "Liza", created.Username)
	assert.Equal(t, created.CreatedAt, created.UpdatedAt)

	resp := do(t, ts, http.MethodGet, "/messages", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	list := decode[[]domain.Message](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, created, list[0])

	resp = do(t, ts, http.MethodGet, "/messages/"+itoa(created.Id), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created, decode[domain.Message](t, resp))
}

func TestMessages_EmptyList(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, ts, http.MethodGet, "/messages", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(bytes.TrimSpace(raw)))
}

func TestMessages_ListIsOrderedByCreation(t *testing.T) {
	ts := newTestServer(t)

	first := create(t, ts, "first", "a")
	second := create(t, ts, "second", "b")
	third := create(t, ts, "third", "c")

	list := decode[[]domain.Message](t, do(t, ts, http.MethodGet, "/messages", ""))
	require.Len(t, list, 3)
	assert.Equal(t, []int64{first.Id, second.Id, third.Id}, []int64{list[0].Id, list[1].Id, list[2].Id})
}

func TestMessages_CreateValidation(t *testing.T) {
	ts := newTestServer(t)

	testTable := []struct {
		name string
		body string
	}{
		{name: "missing_username", body: `{"body":"hi"}`},
		{name: "missing_body", body: `{"username":"Liza"}`},
		{name: "empty_body", body: `{"body":"","username":"Liza"}`},
		{name: "empty_object", body: `{}`},
		{name: "not_json", body: `hello`},
		{name: "no_payload", body: ""},
	}

	for _, testCase := range testTable {
		t.Run(testCase.name, func(t *testing.T) {
			resp := do(t, ts, http.MethodPost, "/messages", testCase.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, map[string]string{"error": "body and username are required"}, decode[map[string]string](t, resp))
		})
	}

	list := decode[[]domain.Message](t, do(t, ts, http.MethodGet, "/messages", ""))
	assert.Empty(t, list)
}

func TestMessages_Update(t *testing.T) {
	ts := newTestServer(t)
	created := create(t, ts, "Hello", "Liza")

	// updated_at has microsecond precision
	time.Sleep(2 * time.Millisecond)

	resp := do(t, ts, http.MethodPatch, "/messages/"+itoa(created.Id), `{"body":"Goodbye","username":"ignored"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[domain.Message](t, resp)

	assert.Equal(t, created.Id, updated.Id)
	assert.Equal(t, "Goodbye", updated.Body)
	assert.Equal(t, "Liza", updated.Username)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))

	got := decode[domain.Message](t, do(t, ts, http.MethodGet, "/messages/"+itoa(created.Id), ""))
	assert.Equal(t, updated, got)
}

func TestMessages_UpdateWithoutBodyIsNoOp(t *testing.T) {
	ts := newTestServer(t)
	created := create(t, ts, "Hello", "Liza")

	for _, payload := range []string{`{}`, `{"body":null}`, `{"username":"other"}`, ""} {
		resp := do(t, ts, http.MethodPatch, "/messages/"+itoa(created.Id), payload)
		require.Equal(t, http.StatusOK, resp.StatusCode, payload)
		assert.Equal(t, created, decode[domain.Message](t, resp), payload)
	}
}

func TestMessages_UpdateInvalidJSON(t *testing.T) {
	ts := newTestServer(t)
	created := create(t, ts, "Hello", "Liza")

	resp := do(t, ts, http.MethodPatch, "/messages/"+itoa(created.Id), `{"body":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, ts, http.MethodPatch, "/messages/"+itoa(created.Id), `{"body":42}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, ts, http.MethodPatch, "/messages/999", `{"body":`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	got := decode[domain.Message](t, do(t, ts, http.MethodGet, "/messages/"+itoa(created.Id), ""))
	assert.Equal(t, created, got)
}

func TestMessages_Delete(t *testing.T) {
	ts := newTestServer(t)
	kept := create(t, ts, "keep", "a")
	removed := create(t, ts, "remove", "b")

	resp := do(t, ts, http.MethodDelete, "/messages/"+itoa(removed.Id), "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	raw, _ := io.ReadAll(resp.Body)
	assert.Empty(t, raw)

	resp = do(t, ts, http.MethodDelete, "/messages/"+itoa(removed.Id), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, ts, http.MethodGet, "/messages/"+itoa(removed.Id), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	list := decode[[]domain.Message](t, do(t, ts, http.MethodGet, "/messages", ""))
	require.Len(t, list, 1)
	assert.Equal(t, kept.Id, list[0].Id)

	next := create(t, ts, "next", "c")
	assert.Greater(t, next.Id, removed.Id)
}

func TestMessages_NotFound(t *testing.T) {
	ts := newTestServer(t)

	testTable := []struct {
		method string
		path   string
		body   string
	}{
		{method: http.MethodGet, path: "/messages/42"},
		{method: http.MethodPatch, path: "/messages/42", body: `{"body":"x"}`},
		{method: http.MethodDelete, path: "/messages/42"},
		{method: http.MethodGet, path: "/messages/abc"},
		{method: http.MethodGet, path: "/messages/0"},
		{method: http.MethodDelete, path: "/messages/-1"},
	}

	for _, testCase := range testTable {
		t.Run(testCase.method+testCase.path, func(t *testing.T) {
			resp := do(t, ts, testCase.method, testCase.path, testCase.body)
			require.Equal(t, http.StatusNotFound, resp.StatusCode)
			assert.Equal(t, map[string]string{"error": "message not found"}, decode[map[string]string](t, resp))
		})
	}
}

type brokenProvider struct{}

func (brokenProvider) Messages(context.Context) ([]*domain.Message, error) {
	return nil, errors.New("database is locked")
}

func (brokenProvider) NewMessage(context.Context, string, string) (*domain.Message, error) {
	return nil, errors.New("database is locked")
}

func (brokenProvider) Message(context.Context, int64) (*domain.Message, error) {
	return nil, errors.New("database is locked")
}

func (brokenProvider) EditMessage(context.Context, int64, *string) (*domain.Message, error) {
	return nil, errors.New("database is locked")
}

func (brokenProvider) DeleteMessage(context.Context, int64) error {
	return errors.New("database is locked")
}

func (brokenProvider) Ping(context.Context) error {
	return storage.ErrNoConnection
}

func TestMessages_StorageUnavailable(t *testing.T) {
	ts := newTestServer(t,
		httpserver.WithMessageProvider(brokenProvider{}),
		httpserver.WithHealthChecker(brokenProvider{}),
	)

	resp := do(t, ts, http.MethodGet, "/messages", "")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, map[string]string{"error": "internal error"}, decode[map[string]string](t, resp))

	resp = do(t, ts, http.MethodPost, "/messages", `{"body":"hi","username":"u"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp = do(t, ts, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
}

func TestServer_IndexAndHealth(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, ts, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")

	resp = do(t, ts, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	raw, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(raw))
}

// hangingChecker blocks until the caller gives up.
type hangingChecker struct{}

func (hangingChecker) Ping(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestServer_HealthTimesOut(t *testing.T) {
	ts := newTestServer(t,
		httpserver.WithHealthChecker(hangingChecker{}),
		httpserver.WithRequestTimeout(50*time.Millisecond),
	)

	start := time.Now()
	resp := do(t, ts, http.MethodGet, "/healthz", "")

	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	raw, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "unavailable", string(raw))
}

func TestServer_Metrics(t *testing.T) {
	ts := newTestServer(t, httpserver.WithPrometheus())
	create(t, ts, "hi", "u")

	resp := do(t, ts, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(raw), "messageboard_http_requests_total")
	assert.Contains(t, string(raw), `status="201"`)
}

func TestServer_MetricsDisabled(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, ts, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_CORS(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/messages", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPatch)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func TestMessages_MutationsWriteOutbox(t *testing.T) {
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))
	store := inmemory.New(log)
	ts := httptest.NewServer(httpserver.New(
		httpserver.WithLogger(log),
		httpserver.WithMessageProvider(messages.New(log, store, store)),
	).Handler())
	t.Cleanup(ts.Close)

	created := create(t, ts, "hi", "u")
	resp := do(t, ts, http.MethodDelete, "/messages/"+itoa(created.Id), "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	ctx := context.Background()
	for _, eventType := range []string{domain.MessageCreated, domain.MessageDeleted} {
		next, err := store.NextOutbox(ctx)
		require.NoError(t, err)

		var event domain.MessageEvent
		require.NoError(t, json.Unmarshal(next.Payload, &event))
		assert.Equal(t, eventType, event.Type)
		assert.Equal(t, created.Id, event.Message.Id)
		assert.Equal(t, itoa(created.Id), next.Key)

		require.NoError(t, store.ConfirmOutboxSent(ctx, next.Uuid))
	}

	_, err := store.NextOutbox(ctx)
	assert.Equal(t, storage.ErrNoOutbox, err)
}

package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/alexandernizov/messageboard/internal/domain"
	"github.com/alexandernizov/messageboard/internal/domain/errs"
	"github.com/alexandernizov/messageboard/internal/pkg/logger/sl"
)

type MessageProvider interface {
	Messages(ctx context.Context) ([]*domain.Message, error)
	NewMessage(ctx context.Context, body, username string) (*domain.Message, error)
	Message(ctx context.Context, id int64) (*domain.Message, error)
	EditMessage(ctx context.Context, id int64, body *string) (*domain.Message, error)
	DeleteMessage(ctx context.Context, id int64) error
}

type HealthChecker interface {
	Ping(ctx context.Context) error
}

var validate = validator.New()

type createMessageRequest struct {
	Body     string `json:"body" validate:"required"`
	Username string `json:"username" validate:"required"`
}

type updateMessageRequest struct {
	Body *string `json:"body"`
}

type messageHandler struct {
	log      *slog.Logger
	messages MessageProvider
}

func (h *messageHandler) list(w http.ResponseWriter, r *http.Request) {
	res, err := h.messages.Messages(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *messageHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errs.ErrValidation)
		return
	}
	if err := validate.Struct(req); err != nil {
		h.writeError(w, errs.ErrValidation)
		return
	}

	created, err := h.messages.NewMessage(r.Context(), req.Body, req.Username)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *messageHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := messageId(r)
	if !ok {
		h.writeError(w, errs.ErrMessageNotFound)
		return
	}

	msg, err := h.messages.Message(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// update reports an unknown id as 404 even when the payload is broken.
func (h *messageHandler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := messageId(r)
	if !ok {
		h.writeError(w, errs.ErrMessageNotFound)
		return
	}

	var req updateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		if _, err := h.messages.Message(r.Context(), id); err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	msg, err := h.messages.EditMessage(r.Context(), id, req.Body)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *messageHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := messageId(r)
	if !ok {
		h.writeError(w, errs.ErrMessageNotFound)
		return
	}

	if err := h.messages.DeleteMessage(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// messageId accepts only positive decimal ids.
func messageId(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *messageHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errs.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: errs.ErrValidation.Error()})
	case errors.Is(err, errs.ErrMessageNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: errs.ErrMessageNotFound.Error()})
	default:
		if !errors.Is(err, errs.ErrStorageUnavailable) {
			h.log.Error("unexpected error", slog.String("op", "http.writeError"), sl.Err(err))
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: errs.ErrStorageUnavailable.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

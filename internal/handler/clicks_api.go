package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/clickroute/clickroute/internal/handler/dto"
	"github.com/clickroute/clickroute/internal/model"
	"github.com/clickroute/clickroute/internal/repository"
	"github.com/clickroute/clickroute/internal/timeline"
)

// ClickReader loads click audit records.
type ClickReader interface {
	GetClick(ctx context.Context, id string) (*model.ClickRecord, error)
}

// ClicksHandler serves the internal click audit API used by dashboards.
type ClicksHandler struct {
	store  ClickReader
	logger *slog.Logger
}

// NewClicksHandler creates a new ClicksHandler.
func NewClicksHandler(store ClickReader, logger *slog.Logger) *ClicksHandler {
	return &ClicksHandler{
		store:  store,
		logger: logger.With("component", "handler.clicks"),
	}
}

// Get handles GET /internal/v1/clicks/{clickID}.
func (h *ClicksHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, dto.ToClickResponse(rec))
}

// Timeline handles GET /internal/v1/clicks/{clickID}/timeline.
// Stage labels follow the Accept-Language header.
func (h *ClicksHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.load(w, r)
	if !ok {
		return
	}

	lang := timeline.Negotiate(r.Header.Get("Accept-Language"))
	tl := timeline.Build(rec, lang)

	w.Header().Set("Content-Language", tl.Language)
	w.Header().Add("Vary", "Accept-Language")
	writeJSON(w, http.StatusOK, tl)
}

func (h *ClicksHandler) load(w http.ResponseWriter, r *http.Request) (*model.ClickRecord, bool) {
	clickID := chi.URLParam(r, "clickID")
	if _, err := ulid.ParseStrict(clickID); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_CLICK_ID", "click id is not a valid ULID")
		return nil, false
	}

	rec, err := h.store.GetClick(r.Context(), clickID)
	switch {
	case err == nil:
		return rec, true
	case errors.Is(err, repository.ErrClickNotFound):
		writeError(w, http.StatusNotFound, "CLICK_NOT_FOUND", "click not found")
	default:
		h.logger.Error("click_lookup_failed",
			"click_id", clickID,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "an internal error occurred")
	}
	return nil, false
}

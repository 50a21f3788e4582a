package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
)

// SegmentService is what the segment endpoints need from the service
// layer.
type SegmentService interface {
	Create(ctx context.Context, segment *domain.Segment) error
	Update(ctx context.Context, segment *domain.Segment) error
	Get(ctx context.Context, orgID, id string) (*domain.Segment, error)
	List(ctx context.Context, orgID string) ([]*domain.Segment, error)
	Delete(ctx context.Context, orgID, id string) error
	CountMatching(ctx context.Context, orgID, id string) (int, error)
}

type SegmentHandler struct {
	service SegmentService
	logger  logger.Logger
}

func NewSegmentHandler(service SegmentService, log logger.Logger) *SegmentHandler {
	return &SegmentHandler{service: service, logger: log}
}

func (h *SegmentHandler) RegisterRoutes(r chi.Router) {
	r.Route("/segments", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Get("/{id}", h.handleGet)
		r.Patch("/{id}", h.handleUpdate)
		r.Delete("/{id}", h.handleDelete)
		r.Get("/{id}/count", h.handleCount)
	})
}

func (h *SegmentHandler) handleList(w http.ResponseWriter, r *http.Request) {
	segments, err := h.service.List(r.Context(), orgFrom(r))
	if err != nil {
		h.logger.WithField("error", err.Error()).Error("failed to list segments")
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, segments)
}

func (h *SegmentHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var segment domain.Segment
	if !decodeBody(w, r, &segment) {
		return
	}
	segment.OrgID = orgFrom(r)
	if err := h.service.Create(r.Context(), &segment); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, &segment)
}

func (h *SegmentHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	segment, err := h.service.Get(r.Context(), orgFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, segment)
}

func (h *SegmentHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	current, err := h.service.Get(r.Context(), orgFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !decodeBody(w, r, current) {
		return
	}
	current.ID = chi.URLParam(r, "id")
	current.OrgID = orgFrom(r)
	if err := h.service.Update(r.Context(), current); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, current)
}

func (h *SegmentHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), orgFrom(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "segment deleted")
}

func (h *SegmentHandler) handleCount(w http.ResponseWriter, r *http.Request) {
	count, err := h.service.CountMatching(r.Context(), orgFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]int{"count": count})
}

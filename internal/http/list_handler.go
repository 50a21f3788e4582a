package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
)

// ListService is what the list endpoints need from the service layer.
type ListService interface {
	Create(ctx context.Context, list *domain.List) error
	Update(ctx context.Context, list *domain.List) error
	Get(ctx context.Context, orgID, id string) (*domain.List, error)
	List(ctx context.Context, orgID string) ([]*domain.List, error)
	Delete(ctx context.Context, orgID, id string) error
}

type ListHandler struct {
	service ListService
	logger  logger.Logger
}

func NewListHandler(service ListService, log logger.Logger) *ListHandler {
	return &ListHandler{service: service, logger: log}
}

func (h *ListHandler) RegisterRoutes(r chi.Router) {
	r.Route("/lists", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Get("/{id}", h.handleGet)
		r.Patch("/{id}", h.handleUpdate)
		r.Delete("/{id}", h.handleDelete)
	})
}

func (h *ListHandler) handleList(w http.ResponseWriter, r *http.Request) {
	lists, err := h.service.List(r.Context(), orgFrom(r))
	if err != nil {
		h.logger.WithField("error", err.Error()).Error("failed to list lists")
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, lists)
}

func (h *ListHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var list domain.List
	if !decodeBody(w, r, &list) {
		return
	}
	list.OrgID = orgFrom(r)
	if err := h.service.Create(r.Context(), &list); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, &list)
}

func (h *ListHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.Get(r.Context(), orgFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, list)
}

func (h *ListHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
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

func (h *ListHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), orgFrom(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "list deleted")
}

package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/internal/service/render"
	"github.com/mailfold/mailfold/pkg/logger"
)

// TemplateService is what the template endpoints need from the service
// layer.
type TemplateService interface {
	Create(ctx context.Context, template *domain.Template) error
	Update(ctx context.Context, template *domain.Template) error
	Get(ctx context.Context, orgID, id string) (*domain.Template, error)
	List(ctx context.Context, orgID string) ([]*domain.Template, error)
	Delete(ctx context.Context, orgID, id string) error
	Preview(ctx context.Context, orgID, id string, contact *domain.Contact) (*render.Output, error)
}

type TemplateHandler struct {
	service TemplateService
	logger  logger.Logger
}

func NewTemplateHandler(service TemplateService, log logger.Logger) *TemplateHandler {
	return &TemplateHandler{service: service, logger: log}
}

func (h *TemplateHandler) RegisterRoutes(r chi.Router) {
	r.Route("/templates", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Get("/{id}", h.handleGet)
		r.Patch("/{id}", h.handleUpdate)
		r.Delete("/{id}", h.handleDelete)
		r.Post("/{id}/preview", h.handlePreview)
	})
}

func (h *TemplateHandler) handleList(w http.ResponseWriter, r *http.Request) {
	templates, err := h.service.List(r.Context(), orgFrom(r))
	if err != nil {
		h.logger.WithField("error", err.Error()).Error("failed to list templates")
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, templates)
}

func (h *TemplateHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var template domain.Template
	if !decodeBody(w, r, &template) {
		return
	}
	template.OrgID = orgFrom(r)
	if err := h.service.Create(r.Context(), &template); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, &template)
}

func (h *TemplateHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	template, err := h.service.Get(r.Context(), orgFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, template)
}

func (h *TemplateHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
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

func (h *TemplateHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), orgFrom(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "template deleted")
}

type previewTemplateRequest struct {
	Contact *domain.Contact `json:"contact,omitempty"`
}

func (h *TemplateHandler) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req previewTemplateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	output, err := h.service.Preview(r.Context(), orgFrom(r), chi.URLParam(r, "id"), req.Contact)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, output)
}

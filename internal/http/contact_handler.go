package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
)

// ContactService is what the contact endpoints need from the service
// layer.
type ContactService interface {
	Create(ctx context.Context, contact *domain.Contact) error
	Update(ctx context.Context, contact *domain.Contact) error
	Get(ctx context.Context, orgID, id string) (*domain.Contact, error)
	GetByEmail(ctx context.Context, orgID, email string) (*domain.Contact, error)
	List(ctx context.Context, orgID string, limit, offset int) ([]*domain.Contact, int, error)
	Delete(ctx context.Context, orgID, id string) error
	AddTag(ctx context.Context, orgID, id, tag string) error
	RemoveTag(ctx context.Context, orgID, id, tag string) error
	Subscribe(ctx context.Context, orgID, id, listID string) error
	UnsubscribeFromList(ctx context.Context, orgID, id, listID string) error
	Unsubscribe(ctx context.Context, orgID, id, reason string) error
}

type ContactHandler struct {
	service ContactService
	logger  logger.Logger
}

func NewContactHandler(service ContactService, log logger.Logger) *ContactHandler {
	return &ContactHandler{service: service, logger: log}
}

func (h *ContactHandler) RegisterRoutes(r chi.Router) {
	r.Route("/contacts", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Patch("/", h.handleUpdate)
			r.Delete("/", h.handleDelete)
			r.Post("/tags", h.handleAddTag)
			r.Delete("/tags/{tag}", h.handleRemoveTag)
			r.Post("/lists/{listId}", h.handleSubscribe)
			r.Delete("/lists/{listId}", h.handleUnsubscribeFromList)
			r.Post("/unsubscribe", h.handleUnsubscribe)
		})
	})
}

func (h *ContactHandler) handleList(w http.ResponseWriter, r *http.Request) {
	if email := r.URL.Query().Get("email"); email != "" {
		contact, err := h.service.GetByEmail(r.Context(), orgFrom(r), email)
		if err != nil {
			writeError(w, err)
			return
		}
		writeData(w, http.StatusOK, []*domain.Contact{contact})
		return
	}

	limit, offset := pageParams(r, 50)
	contacts, total, err := h.service.List(r.Context(), orgFrom(r), limit, offset)
	if err != nil {
		h.logger.WithField("error", err.Error()).Error("failed to list contacts")
		writeError(w, err)
		return
	}
	writeList(w, contacts, NewPagination(limit, offset, total))
}

func (h *ContactHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var contact domain.Contact
	if !decodeBody(w, r, &contact) {
		return
	}
	contact.OrgID = orgFrom(r)
	if err := h.service.Create(r.Context(), &contact); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, &contact)
}

func (h *ContactHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	contact, err := h.service.Get(r.Context(), orgFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, contact)
}

func (h *ContactHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
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

func (h *ContactHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), orgFrom(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "contact deleted")
}

type addTagRequest struct {
	Tag string `json:"tag"`
}

func (h *ContactHandler) handleAddTag(w http.ResponseWriter, r *http.Request) {
	var req addTagRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Tag == "" {
		writeErrorCode(w, http.StatusBadRequest, domain.ErrCodeValidation, "tag is required")
		return
	}
	if err := h.service.AddTag(r.Context(), orgFrom(r), chi.URLParam(r, "id"), req.Tag); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "tag added")
}

func (h *ContactHandler) handleRemoveTag(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RemoveTag(r.Context(), orgFrom(r), chi.URLParam(r, "id"), chi.URLParam(r, "tag")); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "tag removed")
}

func (h *ContactHandler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Subscribe(r.Context(), orgFrom(r), chi.URLParam(r, "id"), chi.URLParam(r, "listId")); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "contact subscribed")
}

func (h *ContactHandler) handleUnsubscribeFromList(w http.ResponseWriter, r *http.Request) {
	if err := h.service.UnsubscribeFromList(r.Context(), orgFrom(r), chi.URLParam(r, "id"), chi.URLParam(r, "listId")); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "contact unsubscribed from list")
}

type unsubscribeContactRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *ContactHandler) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req unsubscribeContactRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.service.Unsubscribe(r.Context(), orgFrom(r), chi.URLParam(r, "id"), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "contact unsubscribed")
}

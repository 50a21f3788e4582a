package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
)

// AutomationService is what the automation endpoints need from the
// service layer.
type AutomationService interface {
	Create(ctx context.Context, automation *domain.Automation) error
	Update(ctx context.Context, automation *domain.Automation) error
	Get(ctx context.Context, orgID, id string) (*domain.Automation, error)
	List(ctx context.Context, orgID string) ([]*domain.Automation, error)
	Delete(ctx context.Context, orgID, id string) error
	SetStatus(ctx context.Context, orgID, id string, status domain.AutomationStatus) error
	EnrollManually(ctx context.Context, orgID, automationID, contactID string) (bool, error)
}

type AutomationHandler struct {
	service AutomationService
	logger  logger.Logger
}

func NewAutomationHandler(service AutomationService, log logger.Logger) *AutomationHandler {
	return &AutomationHandler{service: service, logger: log}
}

func (h *AutomationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/automations", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Patch("/", h.handleUpdate)
			r.Delete("/", h.handleDelete)
			r.Post("/activate", h.setStatus(domain.AutomationActive))
			r.Post("/pause", h.setStatus(domain.AutomationPaused))
			r.Post("/archive", h.setStatus(domain.AutomationArchived))
			r.Post("/enroll", h.handleEnroll)
		})
	})
}

func (h *AutomationHandler) handleList(w http.ResponseWriter, r *http.Request) {
	automations, err := h.service.List(r.Context(), orgFrom(r))
	if err != nil {
		h.logger.WithField("error", err.Error()).Error("failed to list automations")
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, automations)
}

func (h *AutomationHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var automation domain.Automation
	if !decodeBody(w, r, &automation) {
		return
	}
	automation.OrgID = orgFrom(r)
	if err := h.service.Create(r.Context(), &automation); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, &automation)
}

func (h *AutomationHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	automation, err := h.service.Get(r.Context(), orgFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, automation)
}

func (h *AutomationHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
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

func (h *AutomationHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), orgFrom(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "automation deleted")
}

func (h *AutomationHandler) setStatus(status domain.AutomationStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.service.SetStatus(r.Context(), orgFrom(r), chi.URLParam(r, "id"), status); err != nil {
			writeError(w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]interface{}{"status": status})
	}
}

type enrollRequest struct {
	ContactID string `json:"contact_id"`
}

func (h *AutomationHandler) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ContactID == "" {
		writeErrorCode(w, http.StatusBadRequest, domain.ErrCodeValidation, "contact_id is required")
		return
	}
	enrolled, err := h.service.EnrollManually(r.Context(), orgFrom(r), chi.URLParam(r, "id"), req.ContactID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"enrolled": enrolled})
}

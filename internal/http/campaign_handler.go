package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
)

// CampaignService is what the campaign endpoints need from the service
// layer.
type CampaignService interface {
	Create(ctx context.Context, campaign *domain.Campaign) error
	Update(ctx context.Context, campaign *domain.Campaign) error
	Get(ctx context.Context, orgID, id string) (*domain.Campaign, error)
	List(ctx context.Context, orgID string, status domain.CampaignStatus, limit, offset int) ([]*domain.Campaign, int, error)
	Delete(ctx context.Context, orgID, id string) error
	Duplicate(ctx context.Context, orgID, id string) (*domain.Campaign, error)
	Validate(ctx context.Context, orgID, id string) error
	Schedule(ctx context.Context, orgID, id string, at time.Time, timezone string) error
	Send(ctx context.Context, orgID, id string) error
	Pause(ctx context.Context, orgID, id string) error
	Resume(ctx context.Context, orgID, id string) error
	Cancel(ctx context.Context, orgID, id string) error
	CountRecipients(ctx context.Context, orgID, id string) (int, error)
	PreviewRecipients(ctx context.Context, orgID, id, afterID string, limit int) ([]*domain.ContactRef, error)
	Analytics(ctx context.Context, orgID, id string) (*domain.CampaignAnalytics, error)
	Activity(ctx context.Context, orgID, id string, limit, offset int) ([]*domain.EmailLog, int, error)
}

type CampaignHandler struct {
	service CampaignService
	logger  logger.Logger
}

func NewCampaignHandler(service CampaignService, log logger.Logger) *CampaignHandler {
	return &CampaignHandler{service: service, logger: log}
}

func (h *CampaignHandler) RegisterRoutes(r chi.Router) {
	r.Route("/campaigns", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Patch("/", h.handleUpdate)
			r.Delete("/", h.handleDelete)
			r.Post("/duplicate", h.handleDuplicate)
			r.Post("/schedule", h.handleSchedule)
			r.Post("/send", h.handleSend)
			r.Post("/pause", h.handlePause)
			r.Post("/resume", h.handleResume)
			r.Post("/cancel", h.handleCancel)
			r.Post("/validate", h.handleValidate)
			r.Put("/recipients", h.handleUpdateRecipients)
			r.Get("/recipients", h.handleRecipients)
			r.Get("/analytics", h.handleAnalytics)
			r.Get("/activity", h.handleActivity)
		})
	})
}

func (h *CampaignHandler) handleList(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r, 25)
	status := domain.CampaignStatus(r.URL.Query().Get("status"))

	campaigns, total, err := h.service.List(r.Context(), orgFrom(r), status, limit, offset)
	if err != nil {
		h.logger.WithField("error", err.Error()).Error("failed to list campaigns")
		writeError(w, err)
		return
	}
	writeList(w, campaigns, NewPagination(limit, offset, total))
}

func (h *CampaignHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var campaign domain.Campaign
	if !decodeBody(w, r, &campaign) {
		return
	}
	campaign.OrgID = orgFrom(r)
	if err := h.service.Create(r.Context(), &campaign); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, &campaign)
}

func (h *CampaignHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	campaign, err := h.service.Get(r.Context(), orgFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, campaign)
}

func (h *CampaignHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	current, err := h.service.Get(r.Context(), orgFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	// Decode over the stored campaign so a PATCH only touches the fields
	// present in the body.
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

func (h *CampaignHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), orgFrom(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "campaign deleted")
}

func (h *CampaignHandler) handleDuplicate(w http.ResponseWriter, r *http.Request) {
	duplicate, err := h.service.Duplicate(r.Context(), orgFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, duplicate)
}

type scheduleCampaignRequest struct {
	ScheduledAt time.Time `json:"scheduled_at"`
	Timezone    string    `json:"timezone,omitempty"`
}

func (h *CampaignHandler) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleCampaignRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.service.Schedule(r.Context(), orgFrom(r), chi.URLParam(r, "id"), req.ScheduledAt, req.Timezone); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "campaign scheduled")
}

func (h *CampaignHandler) handleSend(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Send(r.Context(), orgFrom(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "campaign queued for sending")
}

func (h *CampaignHandler) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Pause(r.Context(), orgFrom(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "campaign paused")
}

func (h *CampaignHandler) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Resume(r.Context(), orgFrom(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "campaign resumed")
}

func (h *CampaignHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Cancel(r.Context(), orgFrom(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "campaign cancelled")
}

func (h *CampaignHandler) handleValidate(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Validate(r.Context(), orgFrom(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "campaign is ready to send")
}

type updateRecipientsRequest struct {
	Selectors domain.RecipientSelectors `json:"selectors"`
}

func (h *CampaignHandler) handleUpdateRecipients(w http.ResponseWriter, r *http.Request) {
	var req updateRecipientsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	campaign, err := h.service.Get(r.Context(), orgFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	campaign.Selectors = req.Selectors
	if err := h.service.Update(r.Context(), campaign); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, campaign)
}

func (h *CampaignHandler) handleRecipients(w http.ResponseWriter, r *http.Request) {
	orgID := orgFrom(r)
	id := chi.URLParam(r, "id")
	limit, _ := pageParams(r, 50)
	afterID := r.URL.Query().Get("after")

	total, err := h.service.CountRecipients(r.Context(), orgID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	contacts, err := h.service.PreviewRecipients(r.Context(), orgID, id, afterID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"total":    total,
		"contacts": contacts,
	})
}

func (h *CampaignHandler) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	analytics, err := h.service.Analytics(r.Context(), orgFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, analytics)
}

func (h *CampaignHandler) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r, 50)
	logs, total, err := h.service.Activity(r.Context(), orgFrom(r), chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeList(w, logs, NewPagination(limit, offset, total))
}

// pageParams reads limit/page query params with a per-endpoint default.
func pageParams(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 100 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 1 {
		offset = (v - 1) * limit
	}
	return limit, offset
}

package http

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
	"github.com/mailfold/mailfold/pkg/tracking"
)

// TrackingService is what the public tracking endpoints need from the
// service layer.
type TrackingService interface {
	RecordOpen(ctx context.Context, trackingID string, meta domain.EventMeta)
	ResolveClick(ctx context.Context, trackingID string, linkIndex int, fallbackURL string, meta domain.EventMeta) string
	Unsubscribe(ctx context.Context, trackingID, reason string, meta domain.EventMeta) (string, error)
	ViewInBrowser(ctx context.Context, trackingID string, meta domain.EventMeta) string
}

// TrackingHandler serves the public /t/ namespace. The pixel response
// never waits on database writes; open recording runs in the background.
type TrackingHandler struct {
	service TrackingService
	logger  logger.Logger
}

func NewTrackingHandler(service TrackingService, log logger.Logger) *TrackingHandler {
	return &TrackingHandler{service: service, logger: log}
}

func (h *TrackingHandler) RegisterRoutes(r chi.Router) {
	r.Get("/t/o/{trackingId}", h.handleOpen)
	r.Get("/t/c/{trackingId}/{linkIndex}", h.handleClick)
	r.Get("/t/u/{trackingId}", h.handleUnsubscribe)
	r.Get("/t/v/{trackingId}", h.handleView)
}

func (h *TrackingHandler) handleOpen(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingId")
	meta := eventMeta(r)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h.service.RecordOpen(ctx, trackingID, meta)
	}()

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Content-Length", strconv.Itoa(len(tracking.Pixel)))
	w.WriteHeader(http.StatusOK)
	w.Write(tracking.Pixel)
}

func (h *TrackingHandler) handleClick(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingId")
	linkIndex, err := strconv.Atoi(chi.URLParam(r, "linkIndex"))
	if err != nil {
		linkIndex = -1
	}
	fallback := r.URL.Query().Get("url")

	target := h.service.ResolveClick(r.Context(), trackingID, linkIndex, fallback, eventMeta(r))
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *TrackingHandler) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingId")
	reason := r.URL.Query().Get("reason")

	target, err := h.service.Unsubscribe(r.Context(), trackingID, reason, eventMeta(r))
	if err != nil {
		h.logger.WithFields(map[string]interface{}{
			"tracking_id": trackingID,
			"error":       err.Error(),
		}).Error("unsubscribe failed")
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *TrackingHandler) handleView(w http.ResponseWriter, r *http.Request) {
	target := h.service.ViewInBrowser(r.Context(), chi.URLParam(r, "trackingId"), eventMeta(r))
	http.Redirect(w, r, target, http.StatusFound)
}

// eventMeta extracts the request metadata stamped on tracking events.
func eventMeta(r *http.Request) domain.EventMeta {
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		// First hop is the client.
		if idx := strings.IndexByte(ip, ','); idx >= 0 {
			ip = ip[:idx]
		}
		ip = strings.TrimSpace(ip)
	} else {
		ip = r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
	}
	return domain.EventMeta{
		IP:        ip,
		UserAgent: r.UserAgent(),
		Referer:   r.Referer(),
	}
}

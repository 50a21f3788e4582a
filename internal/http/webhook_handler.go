package http

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
)

// snsBodyLimit caps webhook payloads at 1 MiB.
const snsBodyLimit = 1 << 20

// FeedbackIngestor is what the webhook intake needs from the feedback
// pipeline.
type FeedbackIngestor interface {
	HandleSNSMessage(ctx context.Context, body []byte) error
}

// WebhookHandler accepts SES delivery notifications relayed through SNS.
// SNS posts JSON with Content-Type text/plain, so the body is read raw
// and the envelope kind comes from the x-amz-sns-message-type header.
type WebhookHandler struct {
	ingestor FeedbackIngestor
	logger   logger.Logger
}

func NewWebhookHandler(ingestor FeedbackIngestor, log logger.Logger) *WebhookHandler {
	return &WebhookHandler{ingestor: ingestor, logger: log}
}

func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/ses", h.handleSES)
	r.Post("/webhooks/ses/*", h.handleSES)
}

func (h *WebhookHandler) handleSES(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, snsBodyLimit))
	if err != nil {
		writeErrorCode(w, http.StatusRequestEntityTooLarge, domain.ErrCodeValidation, "payload too large")
		return
	}
	if len(body) == 0 {
		writeErrorCode(w, http.StatusBadRequest, domain.ErrCodeValidation, "empty payload")
		return
	}

	messageType := r.Header.Get(domain.SNSMessageTypeHeader)
	if err := h.ingestor.HandleSNSMessage(r.Context(), body); err != nil {
		h.logger.WithFields(map[string]interface{}{
			"message_type": messageType,
			"error":        err.Error(),
		}).Error("failed to handle SNS message")
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "ok")
}

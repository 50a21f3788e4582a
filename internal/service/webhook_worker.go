package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
)

// WebhookWorker delivers automation webhook calls from the webhook queue.
// Non-2xx responses and transport failures return an error so the queue
// retries with backoff; 4xx client errors other than 408/429 are treated as
// permanent and acknowledged after logging.
type WebhookWorker struct {
	client *http.Client
	logger logger.Logger
}

func NewWebhookWorker(client *http.Client, log logger.Logger) *WebhookWorker {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebhookWorker{client: client, logger: log}
}

// CanProcess reports whether this worker handles the job type.
func (w *WebhookWorker) CanProcess(jobType string) bool {
	return jobType == domain.JobTypeDeliverWebhook
}

func (w *WebhookWorker) Process(ctx context.Context, job *domain.Job) error {
	var payload domain.DeliverWebhookPayload
	if err := job.UnmarshalPayload(&payload); err != nil {
		return fmt.Errorf("decode webhook payload: %w", err)
	}

	method := payload.Method
	if method == "" {
		method = http.MethodPost
	}
	body, err := json.Marshal(payload.Body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, payload.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mailfold-webhooks/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook to %s: %w", payload.URL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		w.logger.WithFields(map[string]interface{}{
			"automation_id": payload.AutomationID,
			"url":           payload.URL,
			"status":        resp.StatusCode,
		}).Info("webhook delivered")
		return nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("deliver webhook to %s: status %d", payload.URL, resp.StatusCode)
	default:
		// The endpoint rejected the payload; retrying will not change that.
		w.logger.WithFields(map[string]interface{}{
			"automation_id": payload.AutomationID,
			"url":           payload.URL,
			"status":        resp.StatusCode,
		}).Warn("webhook rejected, not retrying")
		return nil
	}
}

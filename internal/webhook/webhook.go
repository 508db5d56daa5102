package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chronoslabs/chronos-compressor/pkg/models"
	"github.com/google/uuid"
)

const (
	SignatureHeader = "X-Chronos-Signature"
	EventHeader     = "X-Chronos-Event"
	DeliveryHeader  = "X-Chronos-Delivery"
)

// Notifier posts job events to the callback URL supplied with a job
type Notifier struct {
	client *http.Client
	secret string
	delays []time.Duration
}

// NewNotifier creates a notifier. An empty secret leaves payloads unsigned.
func NewNotifier(secret string) *Notifier {
	return &Notifier{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		secret: secret,
		// Retry delays between attempts
		delays: []time.Duration{
			1 * time.Second,
			5 * time.Second,
			15 * time.Second,
		},
	}
}

// NotifyJobCompleted sends the job.completed event
func (n *Notifier) NotifyJobCompleted(ctx context.Context, job *models.CompressionJob, report *models.Report) error {
	return n.Send(ctx, job.CallbackURL, models.WebhookEventJobCompleted, map[string]interface{}{
		"job":    job,
		"report": report,
	})
}

// NotifyJobFailed sends the job.failed event
func (n *Notifier) NotifyJobFailed(ctx context.Context, job *models.CompressionJob) error {
	return n.Send(ctx, job.CallbackURL, models.WebhookEventJobFailed, map[string]interface{}{
		"job": job,
	})
}

// Send delivers one event, retrying on transport errors and non-2xx replies.
// A blank url is a no-op.
func (n *Notifier) Send(ctx context.Context, url, event string, data interface{}) error {
	if url == "" {
		return nil
	}

	payload, err := json.Marshal(models.WebhookEvent{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	deliveryID := uuid.New().String()

	for attempt := 0; ; attempt++ {
		err = n.deliver(ctx, url, event, deliveryID, payload)
		if err == nil {
			return nil
		}
		if attempt >= len(n.delays) {
			return fmt.Errorf("webhook delivery failed after %d attempts: %w", attempt+1, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(n.delays[attempt]):
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, url, event, deliveryID string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Chronos-Webhook/1.0")
	req.Header.Set(EventHeader, event)
	req.Header.Set(DeliveryHeader, deliveryID)

	if n.secret != "" {
		req.Header.Set(SignatureHeader, Sign(payload, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return nil
}

// Sign returns the HMAC-SHA256 signature of payload in the form "sha256=<hex>"
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

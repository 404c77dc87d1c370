package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/resilience"
)

// WebhookSink posts the alert as JSON to a URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a WebhookSink with the given request timeout.
func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{url: url, client: &http.Client{Timeout: timeout}}
}

func (s *WebhookSink) Name() string { return "webhook" }

type webhookPayload struct {
	model.LeadAlert
	Summary string    `json:"summary"`
	SentAt  time.Time `json:"sent_at"`
}

func (s *WebhookSink) Send(ctx context.Context, alert model.LeadAlert) error {
	payload, err := json.Marshal(webhookPayload{LeadAlert: alert, Summary: Summary(alert), SentAt: time.Now().UTC()})
	if err != nil {
		return eris.Wrap(err, "webhook: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "webhook: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", alertKey(alert))

	resp, err := s.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "webhook: request")
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		err := eris.Errorf("webhook: returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}

func alertKey(alert model.LeadAlert) string {
	return alert.InquiryID + ":" + strconv.Itoa(alert.Version)
}

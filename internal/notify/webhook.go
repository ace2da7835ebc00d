package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Webhook fires one best-effort POST per terminal job. No retry, no backoff:
// delivery failure is the caller's to log and forget.
type Webhook struct {
	Client *http.Client
}

func NewWebhook(timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Webhook{Client: &http.Client{Timeout: timeout}}
}

func (w *Webhook) Post(url string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := w.Client.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

// Package notify is the outbound notification sink. Delivery is best-effort:
// the escalation engine reserves before sending and never rolls a reservation
// back on failure, so implementations must not retry internally in a way that
// could double-deliver.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 5 * time.Second

// Notification carries recipients, title text and campaign metadata.
type Notification struct {
	Recipients []string `json:"recipients"`
	Title      string   `json:"title"`
	Group      string   `json:"group"`
	Bucket     int      `json:"bucket"`
	TaskID     string   `json:"task_id"`
	SubtaskID  string   `json:"subtask_id"`
}

type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// WebhookNotifier posts notifications as JSON to a configured endpoint.
type WebhookNotifier struct {
	URL    string
	Secret string
	Client *http.Client
}

func NewWebhook(url, secret string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &WebhookNotifier{URL: url, Secret: secret, Client: &http.Client{Timeout: timeout}}
}

func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Opsline-Group", n.Group)
	req.Header.Set("X-Opsline-Bucket", fmt.Sprintf("%d", n.Bucket))
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Opsline-Secret", w.Secret)
	}
	res, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// LogNotifier writes notifications to the structured log. Used when no
// webhook is configured and as the test double.
type LogNotifier struct {
	Log *slog.Logger
}

func (l LogNotifier) Send(ctx context.Context, n Notification) error {
	l.Log.InfoContext(ctx, "notification",
		"group", n.Group, "bucket", n.Bucket, "task", n.TaskID, "subtask", n.SubtaskID,
		"recipients", strings.Join(n.Recipients, ","), "title", n.Title)
	return nil
}

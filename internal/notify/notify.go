// Package notify posts a short JSON message when a branch finishes or fails.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds one webhook call.
const DefaultTimeout = 10 * time.Second

// Message is the webhook body.
type Message struct {
	Task       string    `json:"task"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Notifier delivers messages.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Webhook posts messages to URL.
type Webhook struct {
	URL    string
	Client *http.Client
}

// NewWebhook returns nil when url is empty so callers can skip notifications.
func NewWebhook(url string) *Webhook {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	return &Webhook{URL: url, Client: &http.Client{Timeout: DefaultTimeout}}
}

// Notify implements Notifier.
func (w *Webhook) Notify(ctx context.Context, msg Message) error {
	if w == nil || w.URL == "" {
		return nil
	}
	if msg.FinishedAt.IsZero() {
		msg.FinishedAt = time.Now().UTC()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("notify: post %s: %s", w.URL, resp.Status)
	}
	return nil
}

// Logged wraps n so delivery errors are logged instead of returned.
func Logged(n Notifier, logger *zap.Logger) Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return loggedNotifier{next: n, logger: logger}
}

type loggedNotifier struct {
	next   Notifier
	logger *zap.Logger
}

func (l loggedNotifier) Notify(ctx context.Context, msg Message) error {
	if l.next == nil {
		return nil
	}
	if err := l.next.Notify(ctx, msg); err != nil {
		l.logger.Warn("notification failed", zap.String("task", msg.Task), zap.Error(err))
	}
	return nil
}

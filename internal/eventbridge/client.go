package eventbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultPublishTimeout bounds a single event post.
const DefaultPublishTimeout = 5 * time.Second

var defaultClient = &http.Client{Timeout: DefaultPublishTimeout}

// Publish posts evt to the bridge at baseURL.
func Publish(ctx context.Context, baseURL string, evt Event) error {
	evt.Normalize()
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.ClientTime.IsZero() {
		evt.ClientTime = time.Now().UTC()
	}
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("eventbridge: %w", err)
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("eventbridge: encode event: %w", err)
	}
	url := strings.TrimRight(baseURL, "/") + "/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("eventbridge: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := defaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("eventbridge: post %s: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("eventbridge: post %s: %s", url, resp.Status)
	}
	return nil
}

// Reachable reports whether a bridge answers /health at baseURL.
func Reachable(ctx context.Context, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := defaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Publisher sends node progress to a remote bridge. Failures are logged and
// dropped so a missing bridge never fails a job.
type Publisher struct {
	URL    string
	RunID  string
	Logger *zap.Logger

	seq atomic.Int64
}

// NewPublisher returns a publisher for runID.
func NewPublisher(url, runID string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{URL: url, RunID: runID, Logger: logger}
}

// Report implements module.ProgressReporter.
func (p *Publisher) Report(node string, done, total int) {
	p.send(context.Background(), node, TypeProgress, ProgressPayload{Done: done, Total: total})
}

// Finish publishes the final status of node.
func (p *Publisher) Finish(ctx context.Context, node, status, message string) {
	p.send(ctx, node, TypeFinished, FinishedPayload{Status: status, Message: message})
}

func (p *Publisher) send(ctx context.Context, node, kind string, payload any) {
	if p == nil || p.URL == "" {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	evt := Event{
		Version:  EventSchemaVersion,
		EventID:  uuid.NewString(),
		Sequence: p.seq.Add(1),
		Type:     kind,
		RunID:    p.RunID,
		Node:     node,
		Payload:  raw,
	}
	if err := Publish(ctx, p.URL, evt); err != nil {
		p.Logger.Debug("publish event", zap.String("node", node), zap.String("type", kind), zap.Error(err))
	}
}

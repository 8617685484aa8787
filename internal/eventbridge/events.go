package eventbridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// ProtocolVersion identifies the bridge contract version exposed via /health.
	ProtocolVersion = "1.0.0"
	// EventSchemaVersion is the currently supported inbound event version.
	EventSchemaVersion = 1
)

// Event types understood by the bridge.
const (
	TypeProgress = "progress"
	TypeFinished = "finished"
)

// Event captures a single notification emitted by a running node, either in
// process or from a remote batch job.
type Event struct {
	Version    int             `json:"version"`
	EventID    string          `json:"event_id"`
	Sequence   int64           `json:"sequence"`
	Type       string          `json:"type"`
	ClientTime time.Time       `json:"client_time"`
	ServerTime time.Time       `json:"server_time"`
	RunID      string          `json:"run_id"`
	Node       string          `json:"node"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// ProgressPayload is carried by progress events.
type ProgressPayload struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// FinishedPayload is carried by finished events.
type FinishedPayload struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Normalize applies defaults and canonical formatting before validation.
func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Version == 0 {
		e.Version = EventSchemaVersion
	}
	e.EventID = strings.TrimSpace(e.EventID)
	e.Type = strings.ToLower(strings.TrimSpace(e.Type))
	e.RunID = strings.TrimSpace(e.RunID)
	e.Node = strings.TrimSpace(e.Node)
}

// StampServerTime overwrites ServerTime with the supplied clock reading (UTC).
func (e *Event) StampServerTime(now time.Time) {
	if e == nil {
		return
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	e.ServerTime = now.UTC()
}

// Validate enforces baseline schema requirements for incoming events.
func (e Event) Validate() error {
	if e.Version != EventSchemaVersion {
		return fmt.Errorf("version %d not supported", e.Version)
	}
	if e.EventID == "" {
		return errors.New("event_id is required")
	}
	switch e.Type {
	case TypeProgress, TypeFinished:
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("type %q not supported", e.Type)
	}
	if e.Node == "" {
		return errors.New("node is required")
	}
	return nil
}

// Progress decodes the payload of a progress event.
func (e Event) Progress() (ProgressPayload, error) {
	var p ProgressPayload
	if e.Type != TypeProgress {
		return p, fmt.Errorf("eventbridge: %s event has no progress payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("eventbridge: decode progress payload: %w", err)
	}
	return p, nil
}

// Finished decodes the payload of a finished event.
func (e Event) Finished() (FinishedPayload, error) {
	var p FinishedPayload
	if e.Type != TypeFinished {
		return p, fmt.Errorf("eventbridge: %s event has no finished payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("eventbridge: decode finished payload: %w", err)
	}
	return p, nil
}

// EventProcessor consumes validated events.
type EventProcessor interface {
	HandleEvent(Event) error
}

// EventProcessorFunc adapts a function into an EventProcessor.
type EventProcessorFunc func(Event) error

// HandleEvent executes f(e).
func (f EventProcessorFunc) HandleEvent(e Event) error {
	if f == nil {
		return nil
	}
	return f(e)
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	RouterReady   bool   `json:"router_ready"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type eventResponse struct {
	Status     string    `json:"status"`
	ServerTime time.Time `json:"server_time"`
}

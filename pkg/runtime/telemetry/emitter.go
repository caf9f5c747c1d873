package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// Event types delivered to the webhook.
const (
	EventRunStatus  = "run.status"
	EventRunDeleted = "run.deleted"
)

// ErrUnauthorized indicates the webhook rejected the shared token.
var ErrUnauthorized = errors.New("run telemetry unauthorized")

// ErrInvalidArgument indicates the webhook rejected the payload.
var ErrInvalidArgument = errors.New("run telemetry invalid argument")

// ErrNotFound indicates the webhook endpoint does not exist.
var ErrNotFound = errors.New("run telemetry endpoint not found")

// Emitter posts run lifecycle events to a webhook endpoint.
type Emitter struct {
	endpoint string
	token    string
	client   *http.Client
	now      func() time.Time
}

// Event is one run lifecycle notification.
type Event struct {
	RunID       string
	Type        string
	Status      string
	ProjectType string
	PreviewURL  string
	Error       string
	OccurredAt  time.Time
}

// NewEmitter creates an emitter for the webhook URL. token is sent in the
// X-Preview-Token header when set.
func NewEmitter(endpoint, token string, client *http.Client) (*Emitter, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, errors.New("run telemetry webhook url required")
	}
	u, err := url.Parse(trimmed)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("run telemetry webhook url %q is not an http(s) url", trimmed)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Emitter{
		endpoint: trimmed,
		token:    strings.TrimSpace(token),
		client:   client,
		now:      time.Now,
	}, nil
}

// Emit delivers event to the webhook.
func (e *Emitter) Emit(ctx context.Context, event Event) error {
	if e == nil {
		return errors.New("run telemetry emitter not initialised")
	}
	runID := strings.TrimSpace(event.RunID)
	if runID == "" {
		return errors.New("run telemetry requires run_id")
	}
	body, err := json.Marshal(buildPayload(runID, event, e.now))
	if err != nil {
		return fmt.Errorf("marshal telemetry event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telemetry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("X-Preview-Token", e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telemetry request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return e.errorForStatus(resp)
	}
	return nil
}

func (e *Emitter) errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, summary)
	default:
		return fmt.Errorf("telemetry request failed: %s", summary)
	}
}

func buildPayload(runID string, event Event, nowFn func() time.Time) map[string]any {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = nowFn()
	}
	eventType := strings.TrimSpace(event.Type)
	if eventType == "" {
		eventType = EventRunStatus
	}
	payload := map[string]any{
		"run_id":      runID,
		"event_type":  eventType,
		"occurred_at": occurred.UTC().Format(time.RFC3339Nano),
	}
	optional := map[string]string{
		"status":       event.Status,
		"project_type": event.ProjectType,
		"preview_url":  event.PreviewURL,
		"error":        event.Error,
	}
	for k, v := range optional {
		if v = strings.TrimSpace(v); v != "" {
			payload[k] = v
		}
	}
	return payload
}

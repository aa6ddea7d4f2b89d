package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Tangent-Apps/tangent-relay/internal/core"
)

const trackerTimeout = 5 * time.Second

// trackerPayload is the wire shape posted to vendor collector endpoints.
type trackerPayload struct {
	EventID    string         `json:"event_id"`
	InstallID  string         `json:"install_id"`
	Name       string         `json:"name"`
	Source     string         `json:"source"`
	Properties map[string]any `json:"properties,omitempty"`
	SentAt     time.Time      `json:"sent_at"`
}

// HTTPTrackerSink forwards events to a vendor collector over HTTP+JSON.
type HTTPTrackerSink struct {
	name       string
	url        string
	apiKey     string
	httpClient *http.Client
	now        func() time.Time
}

// NewHTTPTrackerSink creates a sink posting to url, authenticated with the
// vendor API key when non-empty.
func NewHTTPTrackerSink(name, url, apiKey string) *HTTPTrackerSink {
	return &HTTPTrackerSink{
		name:   name,
		url:    url,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout:   trackerTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now: time.Now,
	}
}

func (s *HTTPTrackerSink) Name() string { return s.name }

func (s *HTTPTrackerSink) Record(ctx context.Context, installID string, event core.Event) error {
	payload, err := json.Marshal(trackerPayload{
		EventID:    uuid.NewString(),
		InstallID:  installID,
		Name:       string(event.Name),
		Source:     event.Source,
		Properties: event.Properties,
		SentAt:     s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal event for %s: %w", s.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", s.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("post to %s: status %d", s.name, resp.StatusCode)
	}

	return nil
}

// Journal appends events to durable storage for the SSE stream.
type Journal interface {
	AppendEvent(ctx context.Context, installID string, event core.Event) error
}

// JournalSink records every event in the repository journal. It is
// registered consent-exempt: the journal is relay-internal and feeds the
// operator stream, not third-party trackers.
type JournalSink struct {
	journal Journal
}

// NewJournalSink creates a JournalSink.
func NewJournalSink(journal Journal) *JournalSink {
	return &JournalSink{journal: journal}
}

func (s *JournalSink) Name() string { return "journal" }

func (s *JournalSink) Record(ctx context.Context, installID string, event core.Event) error {
	return s.journal.AppendEvent(ctx, installID, event)
}

// LogSink writes events to the structured log at debug level. Useful in
// development when no trackers are configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Record(_ context.Context, installID string, event core.Event) error {
	s.logger.Debug("event",
		"install_id", installID,
		"name", string(event.Name),
		"source", event.Source,
	)
	return nil
}

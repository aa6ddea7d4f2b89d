// Package http provides an HTTP client for the tangent-relay service.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	relay "github.com/Tangent-Apps/tangent-relay/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the relay server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements relay.Reporter, relay.ConsentManager,
// relay.SubscriptionReader, relay.FlagReader, and relay.Streamer over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient returns a new HTTP client for the relay service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, httpClient: hc}
}

// -- wire types --------------------------------------------------------------

type wireSnapshot struct {
	Entitlements  []string `json:"entitlements"`
	Subscriptions []string `json:"subscriptions"`
	PeriodType    string   `json:"period_type"`
}

type wireClassification struct {
	IsSubscribed     bool   `json:"is_subscribed"`
	IsTrial          bool   `json:"is_trial"`
	IsPaid           bool   `json:"is_paid"`
	SubscriptionType string `json:"subscription_type"`
	Transition       string `json:"transition"`
}

type wireEvent struct {
	Name       string         `json:"name"`
	Source     string         `json:"source"`
	Properties map[string]any `json:"properties,omitempty"`
}

type wireConsentState struct {
	Status   string `json:"status"`
	Prompted bool   `json:"prompted"`
}

type wireFlagSnapshot struct {
	Values    map[string]any `json:"values"`
	Fresh     bool           `json:"fresh"`
	FetchedAt time.Time      `json:"fetched_at"`
}

func encodeSnapshot(s *relay.EntitlementSnapshot) *wireSnapshot {
	if s == nil {
		return nil
	}
	return &wireSnapshot{
		Entitlements:  s.Entitlements,
		Subscriptions: s.Subscriptions,
		PeriodType:    s.PeriodType,
	}
}

func decodeSnapshot(ws wireSnapshot) relay.EntitlementSnapshot {
	return relay.EntitlementSnapshot{
		Entitlements:  ws.Entitlements,
		Subscriptions: ws.Subscriptions,
		PeriodType:    ws.PeriodType,
	}
}

func decodeClassification(wc wireClassification) relay.Classification {
	return relay.Classification{
		IsSubscribed:     wc.IsSubscribed,
		IsTrial:          wc.IsTrial,
		IsPaid:           wc.IsPaid,
		SubscriptionType: wc.SubscriptionType,
		Transition:       wc.Transition,
	}
}

// -- helpers -----------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("relay: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("relay: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

func decodeInto[T any](resp *http.Response) (T, error) {
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("relay: decode response: %w", err)
	}
	return out, nil
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay: HTTP %d: %s", e.StatusCode, e.Message)
}

// -- Reporter ----------------------------------------------------------------

func (c *Client) ReportEvent(ctx context.Context, event relay.Event) (relay.NormalizedEvent, error) {
	body := struct {
		InstallID  string         `json:"install_id"`
		Source     string         `json:"source,omitempty"`
		Kind       string         `json:"kind"`
		Properties map[string]any `json:"properties,omitempty"`
	}{event.InstallID, event.Source, event.Kind, event.Properties}

	resp, err := c.do(ctx, http.MethodPost, "/v1/events", body)
	if err != nil {
		return relay.NormalizedEvent{}, err
	}
	out, err := decodeInto[wireEvent](resp)
	if err != nil {
		return relay.NormalizedEvent{}, err
	}
	return relay.NormalizedEvent{Name: out.Name, Source: out.Source, Properties: out.Properties}, nil
}

func (c *Client) ReportPurchase(ctx context.Context, report relay.PurchaseReport) (relay.PurchaseResult, error) {
	body := struct {
		InstallID string        `json:"install_id"`
		ProductID string        `json:"product_id"`
		Outcome   string        `json:"outcome"`
		Amount    float64       `json:"amount,omitempty"`
		Currency  string        `json:"currency,omitempty"`
		Reason    string        `json:"reason,omitempty"`
		Snapshot  *wireSnapshot `json:"snapshot,omitempty"`
	}{
		report.InstallID, report.ProductID, report.Outcome,
		report.Amount, report.Currency, report.Reason,
		encodeSnapshot(report.Snapshot),
	}

	resp, err := c.do(ctx, http.MethodPost, "/v1/purchases", body)
	if err != nil {
		return relay.PurchaseResult{}, err
	}
	out, err := decodeInto[struct {
		Outcome   string  `json:"outcome"`
		ProductID string  `json:"product_id"`
		Amount    float64 `json:"amount"`
		Currency  string  `json:"currency"`
		Reason    string  `json:"reason"`
	}](resp)
	if err != nil {
		return relay.PurchaseResult{}, err
	}
	return relay.PurchaseResult{
		Outcome:   out.Outcome,
		ProductID: out.ProductID,
		Amount:    out.Amount,
		Currency:  out.Currency,
		Reason:    out.Reason,
	}, nil
}

func (c *Client) ReportRestore(ctx context.Context, report relay.RestoreReport) (relay.RestoreResult, error) {
	body := struct {
		InstallID string        `json:"install_id"`
		Outcome   string        `json:"outcome"`
		Reason    string        `json:"reason,omitempty"`
		Products  []string      `json:"products,omitempty"`
		Snapshot  *wireSnapshot `json:"snapshot,omitempty"`
	}{report.InstallID, report.Outcome, report.Reason, report.Products, encodeSnapshot(report.Snapshot)}

	resp, err := c.do(ctx, http.MethodPost, "/v1/restores", body)
	if err != nil {
		return relay.RestoreResult{}, err
	}
	out, err := decodeInto[struct {
		Outcome  string   `json:"outcome"`
		Products []string `json:"products"`
		Reason   string   `json:"reason"`
	}](resp)
	if err != nil {
		return relay.RestoreResult{}, err
	}
	return relay.RestoreResult{Outcome: out.Outcome, Products: out.Products, Reason: out.Reason}, nil
}

func (c *Client) ReportEntitlements(ctx context.Context, installID string, snapshot relay.EntitlementSnapshot) (relay.Classification, error) {
	body := struct {
		InstallID     string   `json:"install_id"`
		Entitlements  []string `json:"entitlements"`
		Subscriptions []string `json:"subscriptions"`
		PeriodType    string   `json:"period_type"`
	}{installID, snapshot.Entitlements, snapshot.Subscriptions, snapshot.PeriodType}

	resp, err := c.do(ctx, http.MethodPost, "/v1/entitlements", body)
	if err != nil {
		return relay.Classification{}, err
	}
	out, err := decodeInto[wireClassification](resp)
	if err != nil {
		return relay.Classification{}, err
	}
	return decodeClassification(out), nil
}

// -- ConsentManager ----------------------------------------------------------

func (c *Client) RequestConsent(ctx context.Context, installID, status string) (relay.ConsentState, error) {
	body := struct {
		InstallID string `json:"install_id"`
		Status    string `json:"status"`
	}{installID, status}

	resp, err := c.do(ctx, http.MethodPost, "/v1/consent/request", body)
	if err != nil {
		return relay.ConsentState{}, err
	}
	out, err := decodeInto[wireConsentState](resp)
	if err != nil {
		return relay.ConsentState{}, err
	}
	return relay.ConsentState{Status: out.Status, Prompted: out.Prompted}, nil
}

func (c *Client) ConsentStatus(ctx context.Context, installID string) (relay.ConsentState, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/consent/"+url.PathEscape(installID), nil)
	if err != nil {
		return relay.ConsentState{}, err
	}
	out, err := decodeInto[wireConsentState](resp)
	if err != nil {
		return relay.ConsentState{}, err
	}
	return relay.ConsentState{Status: out.Status, Prompted: out.Prompted}, nil
}

// -- SubscriptionReader ------------------------------------------------------

func (c *Client) SubscriptionState(ctx context.Context, installID string) (relay.SubscriptionState, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/subscription/"+url.PathEscape(installID), nil)
	if err != nil {
		return relay.SubscriptionState{}, err
	}
	out, err := decodeInto[struct {
		Snapshot       wireSnapshot       `json:"snapshot"`
		Classification wireClassification `json:"classification"`
	}](resp)
	if err != nil {
		return relay.SubscriptionState{}, err
	}
	return relay.SubscriptionState{
		Snapshot:       decodeSnapshot(out.Snapshot),
		Classification: decodeClassification(out.Classification),
	}, nil
}

// -- FlagReader --------------------------------------------------------------

func (c *Client) Flags(ctx context.Context) (relay.FlagSnapshot, error) {
	return c.flagSnapshot(ctx, http.MethodGet, "/v1/flags")
}

func (c *Client) RefreshFlags(ctx context.Context) (relay.FlagSnapshot, error) {
	return c.flagSnapshot(ctx, http.MethodPost, "/v1/flags/refresh")
}

func (c *Client) flagSnapshot(ctx context.Context, method, path string) (relay.FlagSnapshot, error) {
	resp, err := c.do(ctx, method, path, nil)
	if err != nil {
		return relay.FlagSnapshot{}, err
	}
	out, err := decodeInto[wireFlagSnapshot](resp)
	if err != nil {
		return relay.FlagSnapshot{}, err
	}
	return relay.FlagSnapshot{Values: out.Values, Fresh: out.Fresh, FetchedAt: out.FetchedAt}, nil
}

func (c *Client) EffectiveFlag(ctx context.Context, liveKey, testingKey string) (bool, error) {
	query := url.Values{"live": {liveKey}, "testing": {testingKey}}
	resp, err := c.do(ctx, http.MethodGet, "/v1/flags/effective?"+query.Encode(), nil)
	if err != nil {
		return false, err
	}
	out, err := decodeInto[struct {
		Value bool `json:"value"`
	}](resp)
	if err != nil {
		return false, err
	}
	return out.Value, nil
}

// -- Streamer ----------------------------------------------------------------

// Stream connects to the SSE stream and emits JournalEvents on the returned
// channel. The channel is closed when ctx is cancelled or the connection drops.
func (c *Client) Stream(ctx context.Context, lastEventID int64) (<-chan relay.JournalEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("relay: create stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", fmt.Sprintf("%d", lastEventID))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay: stream connect: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	ch := make(chan relay.JournalEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		// Use a buffered reader with a 1 MiB buffer to handle large SSE data lines.
		br := bufio.NewReaderSize(resp.Body, 1<<20)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// parseSSE reads SSE lines from r and sends parsed JournalEvents to ch.
// It implements the subset of the SSE spec used by the relay server:
// id, event, data fields; blank-line flush; multi-line data concatenation.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- relay.JournalEvent) {
	var (
		eventName string
		dataLines []string
		eventID   int64
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			// Blank line: dispatch event if we have data.
			if len(dataLines) > 0 {
				data := strings.Join(dataLines, "\n")
				ev := relay.JournalEvent{Name: eventName, EventID: eventID}
				var wire struct {
					EventID   int64           `json:"event_id"`
					InstallID string          `json:"install_id"`
					Name      string          `json:"name"`
					Source    string          `json:"source"`
					Payload   json.RawMessage `json:"payload"`
					CreatedAt time.Time       `json:"created_at"`
				}
				if jsonErr := json.Unmarshal([]byte(data), &wire); jsonErr == nil {
					ev.InstallID = wire.InstallID
					ev.Source = wire.Source
					ev.Payload = wire.Payload
					ev.CreatedAt = wire.CreatedAt
					if wire.Name != "" {
						ev.Name = wire.Name
					}
					if wire.EventID != 0 {
						ev.EventID = wire.EventID
					}
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			// Reset for next event.
			eventName = ""
			dataLines = nil
		} else if strings.HasPrefix(line, "id:") {
			fmt.Sscanf(strings.TrimSpace(strings.TrimPrefix(line, "id:")), "%d", &eventID)
		} else if strings.HasPrefix(line, "event:") {
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}

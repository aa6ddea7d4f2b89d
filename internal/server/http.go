// Package server exposes the relay's HTTP API: event ingest, billing
// reports, consent, flags, subscription state, and an SSE journal stream.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Tangent-Apps/tangent-relay/internal/billing"
	"github.com/Tangent-Apps/tangent-relay/internal/consent"
	"github.com/Tangent-Apps/tangent-relay/internal/core"
	"github.com/Tangent-Apps/tangent-relay/internal/repository"
	"github.com/Tangent-Apps/tangent-relay/internal/service"
)

const (
	defaultStreamPollInterval = time.Second
	defaultMaxJSONBodyBytes   = 1 << 20
)

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPServer serves the relay API over HTTP.
type HTTPServer struct {
	service            Service
	streamPollInterval time.Duration
	maxJSONBodyBytes   int64
	metricsHandler     http.Handler
	onStreamOpen       func()
	onStreamClose      func()
}

// HandlerOption configures optional HTTP server parameters.
type HandlerOption func(*HTTPServer)

// WithStreamPollInterval sets the SSE journal poll interval.
func WithStreamPollInterval(interval time.Duration) HandlerOption {
	return func(s *HTTPServer) {
		if interval > 0 {
			s.streamPollInterval = interval
		}
	}
}

// WithMaxJSONBodySize caps accepted JSON request bodies in bytes.
func WithMaxJSONBodySize(limit int64) HandlerOption {
	return func(s *HTTPServer) {
		if limit > 0 {
			s.maxJSONBodyBytes = limit
		}
	}
}

// WithMetricsHandler mounts a Prometheus handler at GET /metrics.
func WithMetricsHandler(h http.Handler) HandlerOption {
	return func(s *HTTPServer) { s.metricsHandler = h }
}

// WithStreamGauge registers callbacks fired when an SSE stream opens and
// closes.
func WithStreamGauge(onOpen, onClose func()) HandlerOption {
	return func(s *HTTPServer) {
		s.onStreamOpen = onOpen
		s.onStreamClose = onClose
	}
}

// NewHTTPHandler builds the relay's HTTP routing table.
func NewHTTPHandler(svc Service, opts ...HandlerOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:            svc,
		streamPollInterval: defaultStreamPollInterval,
		maxJSONBodyBytes:   defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", server.handleIngestEvent)
	mux.HandleFunc("POST /v1/purchases", server.handlePurchase)
	mux.HandleFunc("POST /v1/restores", server.handleRestore)
	mux.HandleFunc("POST /v1/entitlements", server.handleEntitlements)
	mux.HandleFunc("POST /v1/consent/request", server.handleConsentRequest)
	mux.HandleFunc("GET /v1/consent/{installID}", server.handleConsentStatus)
	mux.HandleFunc("GET /v1/subscription/{installID}", server.handleSubscription)
	mux.HandleFunc("GET /v1/flags", server.handleFlags)
	mux.HandleFunc("GET /v1/flags/effective", server.handleEffectiveFlag)
	mux.HandleFunc("POST /v1/flags/refresh", server.handleRefreshFlags)
	mux.HandleFunc("GET /v1/stream", server.handleStream)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if server.metricsHandler != nil {
		mux.Handle("GET /metrics", server.metricsHandler)
	}

	return mux
}

type ingestJSONRequest struct {
	InstallID  string         `json:"install_id"`
	Source     string         `json:"source"`
	Kind       string         `json:"kind"`
	Properties map[string]any `json:"properties,omitempty"`
}

func (s *HTTPServer) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var request ingestJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(request.InstallID) == "" {
		writeJSONError(w, http.StatusBadRequest, "install_id is required")
		return
	}
	if strings.TrimSpace(request.Kind) == "" {
		writeJSONError(w, http.StatusBadRequest, "kind is required")
		return
	}
	if strings.TrimSpace(request.Source) == "" {
		request.Source = "client"
	}

	event := s.service.IngestEvent(r.Context(), request.InstallID, request.Source, request.Kind, request.Properties)
	writeJSON(w, http.StatusAccepted, event)
}

type purchaseJSONRequest struct {
	InstallID string                    `json:"install_id"`
	ProductID string                    `json:"product_id"`
	Outcome   string                    `json:"outcome"`
	Amount    float64                   `json:"amount,omitempty"`
	Currency  string                    `json:"currency,omitempty"`
	Reason    string                    `json:"reason,omitempty"`
	Snapshot  *core.EntitlementSnapshot `json:"snapshot,omitempty"`
}

type purchaseJSONResponse struct {
	Outcome   billing.PurchaseOutcome `json:"outcome"`
	ProductID string                  `json:"product_id,omitempty"`
	Amount    float64                 `json:"amount,omitempty"`
	Currency  string                  `json:"currency,omitempty"`
	Reason    string                  `json:"reason,omitempty"`
}

func (s *HTTPServer) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var request purchaseJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(request.InstallID) == "" {
		writeJSONError(w, http.StatusBadRequest, "install_id is required")
		return
	}
	if strings.TrimSpace(request.ProductID) == "" {
		writeJSONError(w, http.StatusBadRequest, "product_id is required")
		return
	}
	outcome := billing.PurchaseOutcome(strings.TrimSpace(request.Outcome))
	switch outcome {
	case billing.PurchasePurchased, billing.PurchaseCancelled, billing.PurchasePending, billing.PurchaseFailed:
	default:
		writeJSONError(w, http.StatusBadRequest, "outcome must be one of purchased, cancelled, pending, failed")
		return
	}

	report := billing.PurchaseResult{
		Outcome:   outcome,
		ProductID: request.ProductID,
		Amount:    request.Amount,
		Currency:  request.Currency,
		Reason:    request.Reason,
		Snapshot:  request.Snapshot,
	}
	result, err := s.service.Purchase(r.Context(), request.InstallID, request.ProductID, report)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, purchaseJSONResponse{
		Outcome:   result.Outcome,
		ProductID: result.ProductID,
		Amount:    result.Amount,
		Currency:  result.Currency,
		Reason:    result.Reason,
	})
}

type restoreJSONRequest struct {
	InstallID string                    `json:"install_id"`
	Outcome   string                    `json:"outcome"`
	Reason    string                    `json:"reason,omitempty"`
	Products  []string                  `json:"products,omitempty"`
	Snapshot  *core.EntitlementSnapshot `json:"snapshot,omitempty"`
}

type restoreJSONResponse struct {
	Outcome  billing.RestoreOutcome `json:"outcome"`
	Products []string               `json:"products,omitempty"`
	Reason   string                 `json:"reason,omitempty"`
}

func (s *HTTPServer) handleRestore(w http.ResponseWriter, r *http.Request) {
	var request restoreJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(request.InstallID) == "" {
		writeJSONError(w, http.StatusBadRequest, "install_id is required")
		return
	}
	outcome := billing.RestoreOutcome(strings.TrimSpace(request.Outcome))
	switch outcome {
	case billing.RestoreRestored, billing.RestoreFailed:
	default:
		writeJSONError(w, http.StatusBadRequest, "outcome must be one of restored, failed")
		return
	}

	report := billing.RestoreResult{
		Outcome:  outcome,
		Reason:   request.Reason,
		Products: request.Products,
		Snapshot: request.Snapshot,
	}
	result, err := s.service.Restore(r.Context(), request.InstallID, report)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, restoreJSONResponse{
		Outcome:  result.Outcome,
		Products: result.Products,
		Reason:   result.Reason,
	})
}

type entitlementsJSONRequest struct {
	InstallID     string   `json:"install_id"`
	Entitlements  []string `json:"entitlements"`
	Subscriptions []string `json:"subscriptions"`
	PeriodType    string   `json:"period_type"`
}

func (s *HTTPServer) handleEntitlements(w http.ResponseWriter, r *http.Request) {
	var request entitlementsJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(request.InstallID) == "" {
		writeJSONError(w, http.StatusBadRequest, "install_id is required")
		return
	}

	periodType := core.PeriodType(strings.TrimSpace(request.PeriodType))
	if periodType == "" {
		periodType = core.PeriodNone
	}
	switch periodType {
	case core.PeriodTrial, core.PeriodIntroductory, core.PeriodNormal, core.PeriodNone:
	default:
		writeJSONError(w, http.StatusBadRequest, "period_type must be one of trial, introductory, normal, none")
		return
	}

	classification, err := s.service.ApplyEntitlements(r.Context(), request.InstallID, core.EntitlementSnapshot{
		Entitlements:  request.Entitlements,
		Subscriptions: request.Subscriptions,
		PeriodType:    periodType,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, classification)
}

type consentJSONRequest struct {
	InstallID string `json:"install_id"`
	Status    string `json:"status"`
}

type consentJSONResponse struct {
	Status   consent.Status `json:"status"`
	Prompted bool           `json:"prompted"`
}

func (s *HTTPServer) handleConsentRequest(w http.ResponseWriter, r *http.Request) {
	var request consentJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(request.InstallID) == "" {
		writeJSONError(w, http.StatusBadRequest, "install_id is required")
		return
	}

	status, err := s.service.RequestConsent(r.Context(), request.InstallID, consent.Status(request.Status))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, consentJSONResponse{Status: status, Prompted: true})
}

func (s *HTTPServer) handleConsentStatus(w http.ResponseWriter, r *http.Request) {
	installID := strings.TrimSpace(r.PathValue("installID"))
	if installID == "" {
		writeJSONError(w, http.StatusBadRequest, "install id is required")
		return
	}

	status, prompted, err := s.service.ConsentStatus(r.Context(), installID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, consentJSONResponse{Status: status, Prompted: prompted})
}

type subscriptionJSONResponse struct {
	Snapshot       core.EntitlementSnapshot `json:"snapshot"`
	Classification core.Classification      `json:"classification"`
}

func (s *HTTPServer) handleSubscription(w http.ResponseWriter, r *http.Request) {
	installID := strings.TrimSpace(r.PathValue("installID"))
	if installID == "" {
		writeJSONError(w, http.StatusBadRequest, "install id is required")
		return
	}

	snapshot, classification, err := s.service.SubscriptionState(r.Context(), installID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, subscriptionJSONResponse{
		Snapshot:       snapshot,
		Classification: classification,
	})
}

type flagsJSONResponse struct {
	Values    map[string]any `json:"values"`
	Fresh     bool           `json:"fresh"`
	FetchedAt time.Time      `json:"fetched_at"`
}

func (s *HTTPServer) handleFlags(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.service.FlagsSnapshot()
	writeJSON(w, http.StatusOK, flagsJSONResponse{
		Values:    snapshot.Values,
		Fresh:     snapshot.Fresh,
		FetchedAt: snapshot.FetchedAt,
	})
}

type effectiveFlagJSONResponse struct {
	LiveKey    string `json:"live_key"`
	TestingKey string `json:"testing_key"`
	Value      bool   `json:"value"`
}

func (s *HTTPServer) handleEffectiveFlag(w http.ResponseWriter, r *http.Request) {
	liveKey := strings.TrimSpace(r.URL.Query().Get("live"))
	testingKey := strings.TrimSpace(r.URL.Query().Get("testing"))
	if liveKey == "" || testingKey == "" {
		writeJSONError(w, http.StatusBadRequest, "live and testing query parameters are required")
		return
	}

	value := s.service.EffectiveFlag(r.Context(), liveKey, testingKey)
	writeJSON(w, http.StatusOK, effectiveFlagJSONResponse{
		LiveKey:    liveKey,
		TestingKey: testingKey,
		Value:      value,
	})
}

func (s *HTTPServer) handleRefreshFlags(w http.ResponseWriter, r *http.Request) {
	snapshot := s.service.RefreshFlags(r.Context())
	writeJSON(w, http.StatusOK, flagsJSONResponse{
		Values:    snapshot.Values,
		Fresh:     snapshot.Fresh,
		FetchedAt: snapshot.FetchedAt,
	})
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	lastEventID, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	if s.onStreamOpen != nil {
		s.onStreamOpen()
	}
	if s.onStreamClose != nil {
		defer s.onStreamClose()
	}

	currentEventID := lastEventID
	writeEntries := func(entries []repository.JournalEntry) error {
		for _, entry := range entries {
			currentEventID = entry.EventID

			payload, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			if err := writeSSEEvent(w, entry.EventID, entry.Name, payload); err != nil {
				return err
			}
			flusher.Flush()
		}
		return nil
	}

	initialEntries, err := s.service.ListEventsSince(r.Context(), currentEventID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := writeEntries(initialEntries); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			entries, err := s.service.ListEventsSince(r.Context(), currentEventID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				writeSSEError(w, flusher, serviceErrorMessage(err))
				return
			}
			if err := writeEntries(entries); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseLastEventID(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	eventID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || eventID < 0 {
		return 0, errors.New("invalid event id")
	}

	return eventID, nil
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidStatus):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, billing.ErrNoSnapshot):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, consent.ErrPromptFailed):
		writeJSONError(w, http.StatusBadGateway, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidStatus):
		return "invalid consent status"
	case errors.Is(err, billing.ErrNoSnapshot):
		return "no subscription state recorded"
	case errors.Is(err, consent.ErrPromptFailed):
		return "consent prompt failed"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	flusher.Flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	dataLines := compactSSEPayload(payload)
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range dataLines {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	lines := strings.Split(string(payload), "\n")
	if len(lines) == 0 {
		return []string{""}
	}

	return lines
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}

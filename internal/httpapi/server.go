package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/fieldsync/internal/connectivity"
	"github.com/agentworkforce/fieldsync/internal/outbox"
	"github.com/agentworkforce/fieldsync/internal/syncengine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine is the part of the sync engine the control API drives.
type Engine interface {
	Enqueue(ctx context.Context, body json.RawMessage) (outbox.Record, error)
	PendingRecords(ctx context.Context) ([]outbox.Record, error)
	PendingCount(ctx context.Context) (int, error)
	ForceDrainNow() bool
	ClearAll(ctx context.Context) (int, error)
	RetryRejected(ctx context.Context, ids []string) (int, error)
	DiscardRejected(ctx context.Context, ids []string) (int, error)
	State() syncengine.State
	LastSummary() (syncengine.Summary, bool)
}

type Connectivity interface {
	Current() connectivity.State
}

type ServerConfig struct {
	// Token, when set, is required as a bearer token on every /v1 route.
	Token        string
	MaxBodyBytes int64
	Gatherer     prometheus.Gatherer
	Logger       *slog.Logger
}

type Server struct {
	engine  Engine
	monitor Connectivity
	cfg     ServerConfig
	metrics http.Handler
	logger  *slog.Logger
}

func NewServer(engine Engine, monitor Connectivity, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	cfg.Token = strings.TrimSpace(cfg.Token)
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		engine:  engine,
		monitor: monitor,
		cfg:     cfg,
		metrics: promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		logger:  logger.WithGroup("httpapi"),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		s.handleHealth(w)
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}

	var route string
	switch {
	case r.URL.Path == "/v1/queue" && r.Method == http.MethodGet:
		route = "list"
	case r.URL.Path == "/v1/queue" && r.Method == http.MethodPost:
		route = "enqueue"
	case r.URL.Path == "/v1/queue" && r.Method == http.MethodDelete:
		route = "clear"
	case r.URL.Path == "/v1/queue/count" && r.Method == http.MethodGet:
		route = "count"
	case r.URL.Path == "/v1/queue/drain" && r.Method == http.MethodPost:
		route = "drain"
	case r.URL.Path == "/v1/queue/rejected/retry" && r.Method == http.MethodPost:
		route = "retry"
	case r.URL.Path == "/v1/queue/rejected/discard" && r.Method == http.MethodPost:
		route = "discard"
	case r.URL.Path == "/v1/sync/summary" && r.Method == http.MethodGet:
		route = "summary"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	correlationID := getCorrelationID(r)
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", correlationID)
		return
	}

	switch route {
	case "list":
		s.handleList(w, r, correlationID)
	case "enqueue":
		s.handleEnqueue(w, r, correlationID)
	case "clear":
		s.handleClear(w, r, correlationID)
	case "count":
		s.handleCount(w, r, correlationID)
	case "drain":
		writeJSON(w, http.StatusAccepted, map[string]any{"started": s.engine.ForceDrainNow()})
	case "retry":
		s.handleRejected(w, r, correlationID, s.engine.RetryRejected)
	case "discard":
		s.handleRejected(w, r, correlationID, s.engine.DiscardRejected)
	case "summary":
		s.handleSummary(w, correlationID)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	presented := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.Token)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter) {
	state := "offline"
	if s.monitor != nil {
		state = s.monitor.Current().String()
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "ok",
		"connectivity": state,
		"state":        s.engine.State().String(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, correlationID string) {
	records, err := s.engine.PendingRecords(r.Context())
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(records),
		"records": records,
	})
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request, correlationID string) {
	count, err := s.engine.PendingCount(r.Context())
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	record, err := s.engine.Enqueue(r.Context(), json.RawMessage(body))
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, record)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request, correlationID string) {
	if !strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Confirm-Clear")), "true") {
		writeError(w, http.StatusPreconditionRequired, "confirmation_required", "set X-Confirm-Clear: true to drop every pending record", correlationID)
		return
	}
	cleared, err := s.engine.ClearAll(r.Context())
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	s.logger.Warn("queue cleared through control api", "records", cleared, "correlation_id", correlationID)
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (s *Server) handleRejected(w http.ResponseWriter, r *http.Request, correlationID string, apply func(context.Context, []string) (int, error)) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if r.ContentLength != 0 {
		if !s.decodeJSONBody(w, r, correlationID, &req) {
			return
		}
	}
	updated, err := apply(r.Context(), req.IDs)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}

func (s *Server) handleSummary(w http.ResponseWriter, correlationID string) {
	summary, ok := s.engine.LastSummary()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no sync pass has run yet", correlationID)
		return
	}
	resp := map[string]any{
		"trigger":    summary.Trigger,
		"delivered":  summary.Delivered,
		"rejected":   summary.Rejected,
		"transient":  summary.Transient,
		"held":       summary.Held,
		"deferred":   summary.Deferred,
		"pending":    summary.Pending,
		"startedAt":  summary.StartedAt.Format(time.RFC3339Nano),
		"finishedAt": summary.FinishedAt.Format(time.RFC3339Nano),
	}
	if summary.Err != nil {
		resp["error"] = summary.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, syncengine.ErrInvalidPayload):
		writeError(w, http.StatusUnprocessableEntity, "invalid_payload", err.Error(), correlationID)
	case errors.Is(err, outbox.ErrPersistence):
		s.logger.Error("local storage failure", "error", err, "correlation_id", correlationID)
		writeError(w, http.StatusServiceUnavailable, "persistence_error", err.Error(), correlationID)
	case errors.Is(err, syncengine.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "sync engine is shutting down", correlationID)
	default:
		s.logger.Error("control api request failed", "error", err, "correlation_id", correlationID)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

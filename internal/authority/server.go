// Package authority is a reference remote side for field devices. It
// applies each mutation at most once per origin id and exposes a websocket
// heartbeat devices use as a connectivity signal.
package authority

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/fieldsync/internal/payload"
	"github.com/agentworkforce/fieldsync/internal/sink"
	lru "github.com/hashicorp/golang-lru/v2"
	"nhooyr.io/websocket"
)

const DefaultDedupeWindow = 100000

// ErrUnprocessable marks an Applier failure the device must not retry.
var ErrUnprocessable = errors.New("mutation cannot be applied")

// Mutation is an accepted delivery, handed to the Applier once.
type Mutation struct {
	OriginID  string
	DeviceID  string
	Payload   json.RawMessage
	Attempt   int
	CreatedAt time.Time
}

type Applier interface {
	Apply(ctx context.Context, m Mutation) error
}

type ApplierFunc func(ctx context.Context, m Mutation) error

func (f ApplierFunc) Apply(ctx context.Context, m Mutation) error {
	return f(ctx, m)
}

type Receipt struct {
	OriginID   string    `json:"originId"`
	DeviceID   string    `json:"deviceId"`
	Attempt    int       `json:"attempt"`
	AppliedAt  time.Time `json:"appliedAt"`
	Duplicates int       `json:"duplicates"`
}

type Options struct {
	JWTSecret    string
	DedupeWindow int
	MaxBodyBytes int64
	Validator    payload.Validator
	Applier      Applier
	Logger       *slog.Logger
	Now          func() time.Time
}

type Server struct {
	secret       string
	maxBodyBytes int64
	validator    payload.Validator
	applier      Applier
	logger       *slog.Logger
	now          func() time.Time

	mu       sync.Mutex
	receipts *lru.Cache[string, Receipt]
	inflight map[string]chan struct{}
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(opts Options) (*Server, error) {
	if strings.TrimSpace(opts.JWTSecret) == "" {
		return nil, errors.New("authority: jwt secret is required")
	}
	window := opts.DedupeWindow
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	receipts, err := lru.New[string, Receipt](window)
	if err != nil {
		return nil, err
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.Validator == nil {
		opts.Validator = payload.ObjectValidator{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		secret:       opts.JWTSecret,
		maxBodyBytes: opts.MaxBodyBytes,
		validator:    opts.Validator,
		applier:      opts.Applier,
		logger:       opts.Logger.WithGroup("authority"),
		now:          opts.Now,
		receipts:     receipts,
		inflight:     map[string]chan struct{}{},
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Close drops open heartbeat connections. http.Server.Shutdown does not
// track hijacked connections, so callers run both.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// acquireConn registers a heartbeat connection unless Close has started.
func (s *Server) acquireConn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "receipts": s.receipts.Len()})
	case r.URL.Path == "/v1/mutations" && r.Method == http.MethodPost:
		claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.secret, s.now(), ScopeWrite)
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		s.handleMutation(w, r, claims, correlationID)
	case strings.HasPrefix(r.URL.Path, "/v1/mutations/") && r.Method == http.MethodGet:
		if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.secret, s.now(), ScopeRead, ScopeWrite); authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		s.handleReceipt(w, strings.TrimPrefix(r.URL.Path, "/v1/mutations/"), correlationID)
	case r.URL.Path == "/v1/connectivity" && r.Method == http.MethodGet:
		claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.secret, s.now())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		s.handleHeartbeat(w, r, claims)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request, claims *Claims, correlationID string) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return
	}
	var delivery sink.Delivery
	if err := json.Unmarshal(body, &delivery); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json body", correlationID)
		return
	}
	delivery.OriginID = strings.TrimSpace(delivery.OriginID)
	if delivery.OriginID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "originId is required", correlationID)
		return
	}
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" && key != delivery.OriginID {
		writeError(w, http.StatusBadRequest, "invalid_request", "Idempotency-Key does not match originId", correlationID)
		return
	}
	if err := s.validator.Validate(delivery.Payload); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_payload", err.Error(), correlationID)
		return
	}

	receipt, applied, err := s.apply(r.Context(), Mutation{
		OriginID:  delivery.OriginID,
		DeviceID:  claims.DeviceID,
		Payload:   delivery.Payload,
		Attempt:   delivery.Attempt,
		CreatedAt: delivery.CreatedAt,
	})
	switch {
	case err == nil && applied:
		s.logger.Info("mutation applied", "origin_id", receipt.OriginID, "device_id", receipt.DeviceID, "attempt", receipt.Attempt)
		writeJSON(w, http.StatusCreated, map[string]any{"status": "applied", "receipt": receipt})
	case err == nil:
		s.logger.Debug("duplicate delivery acknowledged", "origin_id", receipt.OriginID, "attempt", delivery.Attempt)
		writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate", "receipt": receipt})
	case errors.Is(err, ErrUnprocessable):
		writeError(w, http.StatusUnprocessableEntity, "rejected", err.Error(), correlationID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "request ended before the mutation was applied", correlationID)
	default:
		s.logger.Warn("applier failed", "origin_id", delivery.OriginID, "error", err)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	}
}

// apply runs the Applier at most once per origin id inside the dedupe
// window. Concurrent deliveries of one origin id wait for the first.
func (s *Server) apply(ctx context.Context, m Mutation) (Receipt, bool, error) {
	for {
		s.mu.Lock()
		if receipt, ok := s.receipts.Get(m.OriginID); ok {
			receipt.Duplicates++
			s.receipts.Add(m.OriginID, receipt)
			s.mu.Unlock()
			return receipt, false, nil
		}
		wait, busy := s.inflight[m.OriginID]
		if !busy {
			done := make(chan struct{})
			s.inflight[m.OriginID] = done
			s.mu.Unlock()
			return s.applyOwned(ctx, m, done)
		}
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return Receipt{}, false, ctx.Err()
		}
	}
}

func (s *Server) applyOwned(ctx context.Context, m Mutation, done chan struct{}) (Receipt, bool, error) {
	var err error
	if s.applier != nil {
		err = s.applier.Apply(ctx, m)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, m.OriginID)
	close(done)
	if err != nil {
		return Receipt{}, false, err
	}
	receipt := Receipt{
		OriginID:  m.OriginID,
		DeviceID:  m.DeviceID,
		Attempt:   m.Attempt,
		AppliedAt: s.now().UTC(),
	}
	s.receipts.Add(m.OriginID, receipt)
	return receipt, true, nil
}

func (s *Server) handleReceipt(w http.ResponseWriter, originID, correlationID string) {
	originID = strings.TrimSpace(originID)
	receipt, ok := s.receipts.Peek(originID)
	if originID == "" || !ok {
		writeError(w, http.StatusNotFound, "not_found", "no receipt for origin id", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// handleHeartbeat holds the socket open until the device or the server goes
// away. CloseRead keeps answering pings.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request, claims *Claims) {
	if !s.acquireConn() {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "authority shutting down", getCorrelationID(r))
		return
	}
	defer s.wg.Done()
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "device_id", claims.DeviceID, "error", err)
		return
	}
	s.logger.Debug("device connected", "device_id", claims.DeviceID)

	ctx := conn.CloseRead(s.ctx)
	<-ctx.Done()
	if s.ctx.Err() != nil {
		_ = conn.Close(websocket.StatusGoingAway, "authority shutting down")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Debug("device disconnected", "device_id", claims.DeviceID)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
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

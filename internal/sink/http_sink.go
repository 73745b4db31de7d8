package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultMutationsPath = "/v1/mutations"

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type HTTPSinkOptions struct {
	Path       string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// HTTPSink posts each mutation to the authority. Retryable responses are
// retried within the call; the engine still counts the call as one attempt.
type HTTPSink struct {
	baseURL    string
	path       string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPSink(baseURL, token string, httpClient *http.Client, opts HTTPSinkOptions) *HTTPSink {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		path = defaultMutationsPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &HTTPSink{
		baseURL:    baseURL,
		path:       path,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
	}
}

func (s *HTTPSink) Deliver(ctx context.Context, d Delivery) error {
	if strings.TrimSpace(d.OriginID) == "" {
		return &RejectedDeliveryError{Reason: "missing origin id"}
	}
	body, err := json.Marshal(d)
	if err != nil {
		return &RejectedDeliveryError{OriginID: d.OriginID, Reason: "payload is not valid json"}
	}
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+s.path, bytes.NewReader(body))
		if err != nil {
			return &TransientDeliveryError{OriginID: d.OriginID, Err: err}
		}
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+s.token)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", d.OriginID)
		req.Header.Set("X-Correlation-Id", correlationID(d.OriginID, attempt))

		resp, err := s.httpClient.Do(req)
		if err != nil {
			if attempt < s.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, s.retryDelay(attempt+1, "")); waitErr != nil {
					return &TransientDeliveryError{OriginID: d.OriginID, Err: waitErr}
				}
				continue
			}
			return &TransientDeliveryError{OriginID: d.OriginID, Err: err}
		}
		payload, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()

		status := resp.StatusCode
		switch {
		case status >= 200 && status <= 299:
			return nil
		case status == http.StatusConflict:
			// the origin id is already applied on the remote side
			return nil
		}
		if retryableStatus(status) && attempt < s.maxRetries {
			if waitErr := waitWithContext(ctx, s.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return &TransientDeliveryError{OriginID: d.OriginID, StatusCode: status, Err: waitErr}
			}
			continue
		}
		if readErr != nil {
			return &TransientDeliveryError{OriginID: d.OriginID, StatusCode: status, Err: readErr}
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		httpErr := &HTTPError{StatusCode: status, Code: errPayload.Code, Message: errPayload.Message}
		if retryableStatus(status) || status == http.StatusUnauthorized || status == http.StatusForbidden {
			return &TransientDeliveryError{OriginID: d.OriginID, StatusCode: status, Err: httpErr}
		}
		reason := errPayload.Message
		if reason == "" {
			reason = http.StatusText(status)
		}
		return &RejectedDeliveryError{
			OriginID:   d.OriginID,
			StatusCode: status,
			Code:       errPayload.Code,
			Reason:     reason,
		}
	}
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return status >= 500 && status <= 599
}

func correlationID(originID string, attempt int) string {
	return fmt.Sprintf("sync_%s_%d_%d", originID, attempt, time.Now().UnixNano())
}

func (s *HTTPSink) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := s.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := s.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

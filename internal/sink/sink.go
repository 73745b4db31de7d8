package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrRejected  = errors.New("delivery rejected")
	ErrTransient = errors.New("transient delivery failure")
)

type Outcome int

const (
	Delivered Outcome = iota
	Rejected
	Transient
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	default:
		return "transient"
	}
}

// Delivery is one mutation handed to the remote side. OriginID is the
// idempotency key; the receiver applies each origin id at most once.
type Delivery struct {
	OriginID  string          `json:"originId"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Sink delivers one mutation. A nil error means the remote side acknowledged
// the origin id; *RejectedDeliveryError is terminal; anything else is retried.
type Sink interface {
	Deliver(ctx context.Context, d Delivery) error
}

type FuncSink func(ctx context.Context, d Delivery) error

func (f FuncSink) Deliver(ctx context.Context, d Delivery) error {
	return f(ctx, d)
}

type RejectedDeliveryError struct {
	OriginID   string
	StatusCode int
	Code       string
	Reason     string
}

func (e *RejectedDeliveryError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = e.Code
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("delivery of %s rejected (http %d): %s", e.OriginID, e.StatusCode, reason)
	}
	return fmt.Sprintf("delivery of %s rejected: %s", e.OriginID, reason)
}

func (e *RejectedDeliveryError) Is(target error) bool {
	return target == ErrRejected
}

type TransientDeliveryError struct {
	OriginID   string
	StatusCode int
	Err        error
}

func (e *TransientDeliveryError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("delivery of %s failed (http %d): %v", e.OriginID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("delivery of %s failed: %v", e.OriginID, e.Err)
}

func (e *TransientDeliveryError) Unwrap() error {
	return e.Err
}

func (e *TransientDeliveryError) Is(target error) bool {
	return target == ErrTransient
}

// Reject builds a terminal outcome for sinks implemented outside this package.
func Reject(originID, reason string) error {
	return &RejectedDeliveryError{OriginID: originID, Reason: reason}
}

// Classify maps a Deliver result onto an outcome and a short reason suitable
// for the record's last error.
func Classify(err error) (Outcome, string) {
	if err == nil {
		return Delivered, ""
	}
	var rejected *RejectedDeliveryError
	if errors.As(err, &rejected) {
		reason := rejected.Reason
		if reason == "" {
			reason = rejected.Code
		}
		if reason == "" {
			reason = err.Error()
		}
		return Rejected, reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient, "timeout: " + err.Error()
	}
	return Transient, err.Error()
}

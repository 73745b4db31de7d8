package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/fieldsync/internal/outbox"
	"github.com/agentworkforce/fieldsync/internal/payload"
	"github.com/agentworkforce/fieldsync/internal/sink"
)

const (
	defaultDeliveryTimeout = 30 * time.Second
	defaultCommitTimeout   = 10 * time.Second
)

type Options struct {
	Store     outbox.Store
	Sink      sink.Sink
	Validator payload.Validator
	Logger    *slog.Logger
	Metrics   *Metrics

	DeliveryTimeout time.Duration
	CommitTimeout   time.Duration
	Backoff         Backoff

	// OnPass observes every finished pass. It runs on the draining goroutine.
	OnPass func(Summary)
	Now    func() time.Time
}

// Engine drains the durable queue into the sink. At most one pass runs at a
// time; triggers that arrive during a pass collapse into a single follow-up pass.
type Engine struct {
	store           outbox.Store
	sink            sink.Sink
	validator       payload.Validator
	logger          *slog.Logger
	metrics         *Metrics
	deliveryTimeout time.Duration
	commitTimeout   time.Duration
	backoff         Backoff
	onPass          func(Summary)
	now             func() time.Time
	rng             *rand.Rand

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	state       State
	rerun       bool
	rerunReason Reason
	closed      bool
	last        *Summary

	// storeMu serializes writers: Enqueue, the pass commit and operator edits.
	storeMu sync.Mutex
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	deliveryTimeout := opts.DeliveryTimeout
	if deliveryTimeout <= 0 {
		deliveryTimeout = defaultDeliveryTimeout
	}
	commitTimeout := opts.CommitTimeout
	if commitTimeout <= 0 {
		commitTimeout = defaultCommitTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:           opts.Store,
		sink:            opts.Sink,
		validator:       opts.Validator,
		logger:          logger.WithGroup("engine"),
		metrics:         metrics,
		deliveryTimeout: deliveryTimeout,
		commitTimeout:   commitTimeout,
		backoff:         opts.Backoff,
		onPass:          opts.OnPass,
		now:             now,
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		ctx:             ctx,
		cancel:          cancel,
	}, nil
}

// Enqueue persists payload as a new pending record. It never waits on a
// drain. When persistence fails the built record is returned with the error
// so the caller can keep it and retry with EnqueueRecord.
func (e *Engine) Enqueue(ctx context.Context, body json.RawMessage) (outbox.Record, error) {
	if e.isClosed() {
		return outbox.Record{}, ErrClosed
	}
	if err := e.validate(body); err != nil {
		return outbox.Record{}, err
	}
	record, err := outbox.NewRecord(body, e.now())
	if err != nil {
		return outbox.Record{}, fmt.Errorf("new record: %w", err)
	}
	if err := e.EnqueueRecord(ctx, record); err != nil {
		return record, err
	}
	return record, nil
}

func (e *Engine) EnqueueRecord(ctx context.Context, record outbox.Record) error {
	if e.isClosed() {
		return ErrClosed
	}
	e.storeMu.Lock()
	err := e.store.Enqueue(ctx, record)
	e.storeMu.Unlock()
	if err != nil {
		e.logger.Error("enqueue failed", "id", record.ID, "error", err)
		return err
	}
	e.metrics.Pending.Inc()
	e.logger.Debug("record enqueued", "id", record.ID)
	return nil
}

func (e *Engine) validate(body json.RawMessage) error {
	if e.validator != nil {
		return e.validator.Validate(body)
	}
	if len(strings.TrimSpace(string(body))) == 0 || !json.Valid(body) {
		return &payload.ValidationError{Reason: "payload is not valid json"}
	}
	return nil
}

func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	records, err := e.store.ReadAll(ctx)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func (e *Engine) PendingRecords(ctx context.Context) ([]outbox.Record, error) {
	return e.store.ReadAll(ctx)
}

// ForceDrainNow requests an immediate pass that ignores per-record backoff.
func (e *Engine) ForceDrainNow() bool {
	return e.Trigger(ReasonManual)
}

// Trigger starts a pass in the background. It returns false when the request
// was folded into a running pass or the engine cannot drain.
func (e *Engine) Trigger(reason Reason) bool {
	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		e.metrics.Triggers.WithLabelValues(string(reason), "closed").Inc()
		return false
	case e.sink == nil:
		e.mu.Unlock()
		e.metrics.Triggers.WithLabelValues(string(reason), "no_sink").Inc()
		return false
	case e.state == Draining:
		e.markRerunLocked(reason)
		e.mu.Unlock()
		e.metrics.Triggers.WithLabelValues(string(reason), "coalesced").Inc()
		e.logger.Debug("drain coalesced", "reason", reason)
		return false
	}
	e.state = Draining
	e.wg.Add(1)
	e.mu.Unlock()
	e.metrics.Triggers.WithLabelValues(string(reason), "started").Inc()
	go e.loop(reason)
	return true
}

// DrainOnce runs a pass on the calling goroutine. If a pass is already
// running the request is coalesced into it and ErrDrainInProgress returned.
func (e *Engine) DrainOnce(ctx context.Context, reason Reason) (Summary, error) {
	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return Summary{}, ErrClosed
	case e.sink == nil:
		e.mu.Unlock()
		return Summary{}, ErrNoSink
	case e.state == Draining:
		e.markRerunLocked(reason)
		e.mu.Unlock()
		e.metrics.Triggers.WithLabelValues(string(reason), "coalesced").Inc()
		return Summary{}, ErrDrainInProgress
	}
	e.state = Draining
	e.wg.Add(1)
	e.mu.Unlock()
	e.metrics.Triggers.WithLabelValues(string(reason), "started").Inc()

	passCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.ctx, cancel)
	summary := e.runPass(passCtx, reason)
	stop()
	cancel()

	if next, again := e.afterPass(); again {
		e.wg.Add(1)
		go e.loop(next)
	}
	e.wg.Done()
	return summary, summary.Err
}

func (e *Engine) markRerunLocked(reason Reason) {
	e.rerun = true
	if e.rerunReason == "" || reason == ReasonManual {
		e.rerunReason = reason
	}
}

func (e *Engine) loop(reason Reason) {
	defer e.wg.Done()
	for {
		e.runPass(e.ctx, reason)
		next, again := e.afterPass()
		if !again {
			return
		}
		reason = next
	}
}

// afterPass either consumes the rerun flag, keeping the engine draining, or
// returns it to idle.
func (e *Engine) afterPass() (Reason, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rerun && !e.closed && e.ctx.Err() == nil {
		reason := e.rerunReason
		e.rerun = false
		e.rerunReason = ""
		return reason, true
	}
	e.rerun = false
	e.rerunReason = ""
	e.state = Idle
	return "", false
}

func (e *Engine) runPass(ctx context.Context, reason Reason) Summary {
	summary := Summary{Trigger: reason, StartedAt: e.now().UTC()}
	defer func() {
		summary.FinishedAt = e.now().UTC()
		e.finishPass(summary)
	}()

	records, err := e.store.ReadAll(ctx)
	if err != nil {
		summary.Err = err
		return summary
	}
	summary.Pending = len(records)

	force := reason == ReasonManual
	attempted := make(map[string]outbox.Record)
	delivered := make(map[string]struct{})
	for _, record := range records {
		if ctx.Err() != nil {
			break
		}
		if record.Rejected() {
			summary.Held++
			continue
		}
		if !force && record.NextAttemptAt != nil && record.NextAttemptAt.After(e.now()) {
			summary.Deferred++
			continue
		}
		updated, outcome, ok := e.attempt(ctx, record)
		if !ok {
			break
		}
		switch outcome {
		case sink.Delivered:
			delivered[record.ID] = struct{}{}
			summary.Delivered++
		case sink.Rejected:
			attempted[record.ID] = updated
			summary.Rejected++
		default:
			attempted[record.ID] = updated
			summary.Transient++
		}
	}

	if len(attempted) == 0 && len(delivered) == 0 {
		return summary
	}
	pending, err := e.commit(ctx, attempted, delivered)
	if err != nil {
		summary.Err = err
		return summary
	}
	summary.Pending = pending
	return summary
}

// attempt delivers one record. ok is false when the engine is shutting down
// and the attempt should not be recorded.
func (e *Engine) attempt(ctx context.Context, record outbox.Record) (outbox.Record, sink.Outcome, bool) {
	record.Attempts++
	at := e.now().UTC()
	record.LastAttemptAt = &at

	deliverCtx, cancel := context.WithTimeout(ctx, e.deliveryTimeout)
	err := e.sink.Deliver(deliverCtx, sink.Delivery{
		OriginID:  record.OriginID,
		Payload:   record.Payload,
		Attempt:   record.Attempts,
		CreatedAt: record.CreatedAt,
	})
	cancel()
	if err != nil && ctx.Err() != nil {
		return record, sink.Transient, false
	}

	outcome, reason := sink.Classify(err)
	e.metrics.Deliveries.WithLabelValues(outcome.String()).Inc()
	switch outcome {
	case sink.Delivered:
		e.logger.Debug("record delivered", "id", record.ID, "attempts", record.Attempts)
	case sink.Rejected:
		record.Status = outbox.StatusRejected
		record.LastError = reason
		record.NextAttemptAt = nil
		e.logger.Warn("record rejected", "id", record.ID, "attempts", record.Attempts, "reason", reason)
	default:
		record.LastError = reason
		record.NextAttemptAt = nil
		if e.backoff.Enabled() {
			next := at.Add(e.backoff.Delay(record.Attempts, e.rng.Float64()))
			record.NextAttemptAt = &next
		}
		e.logger.Info("delivery failed, will retry", "id", record.ID, "attempts", record.Attempts, "reason", reason)
	}
	return record, outcome, true
}

// commit writes the pass outcome in a single ReplaceAll. The current queue is
// re-read under storeMu so records enqueued during the pass survive and
// records removed during the pass stay removed.
func (e *Engine) commit(ctx context.Context, attempted map[string]outbox.Record, delivered map[string]struct{}) (int, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.commitTimeout)
	defer cancel()

	e.storeMu.Lock()
	defer e.storeMu.Unlock()
	current, err := e.store.ReadAll(ctx)
	if err != nil {
		return 0, err
	}
	next := make([]outbox.Record, 0, len(current))
	for _, record := range current {
		if _, ok := delivered[record.ID]; ok {
			continue
		}
		if updated, ok := attempted[record.ID]; ok {
			next = append(next, updated)
			continue
		}
		next = append(next, record)
	}
	if err := e.store.ReplaceAll(ctx, next); err != nil {
		return 0, err
	}
	return len(next), nil
}

func (e *Engine) finishPass(summary Summary) {
	e.metrics.observePass(summary)
	e.mu.Lock()
	last := summary
	e.last = &last
	e.mu.Unlock()

	if summary.Err != nil {
		e.logger.Error("sync pass failed",
			"trigger", summary.Trigger,
			"delivered", summary.Delivered,
			"error", summary.Err,
		)
	} else if summary.Attempted() > 0 {
		e.logger.Info("sync pass completed",
			"trigger", summary.Trigger,
			"delivered", summary.Delivered,
			"rejected", summary.Rejected,
			"transient", summary.Transient,
			"pending", summary.Pending,
			"duration", summary.Duration(),
		)
	} else {
		e.logger.Debug("sync pass found nothing to deliver", "trigger", summary.Trigger, "pending", summary.Pending)
	}
	if e.onPass != nil {
		e.onPass(summary)
	}
}

// ClearAll drops every record, delivered or not. It returns how many were removed.
func (e *Engine) ClearAll(ctx context.Context) (int, error) {
	e.storeMu.Lock()
	defer e.storeMu.Unlock()
	records, err := e.store.ReadAll(ctx)
	if err != nil {
		return 0, err
	}
	if err := e.store.ReplaceAll(ctx, nil); err != nil {
		return 0, err
	}
	e.metrics.Pending.Set(0)
	e.logger.Warn("queue cleared", "records", len(records))
	return len(records), nil
}

// RetryRejected returns rejected records to pending. An empty ids list
// selects every rejected record. Attempt counts are kept.
func (e *Engine) RetryRejected(ctx context.Context, ids []string) (int, error) {
	return e.editRejected(ctx, ids, func(record outbox.Record) (outbox.Record, bool) {
		record.Status = outbox.StatusPending
		record.LastError = ""
		record.NextAttemptAt = nil
		return record, true
	})
}

// DiscardRejected removes rejected records. Pending records are never discarded.
func (e *Engine) DiscardRejected(ctx context.Context, ids []string) (int, error) {
	return e.editRejected(ctx, ids, func(record outbox.Record) (outbox.Record, bool) {
		return record, false
	})
}

func (e *Engine) editRejected(ctx context.Context, ids []string, edit func(outbox.Record) (outbox.Record, bool)) (int, error) {
	selected := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			selected[id] = struct{}{}
		}
	}

	e.storeMu.Lock()
	defer e.storeMu.Unlock()
	records, err := e.store.ReadAll(ctx)
	if err != nil {
		return 0, err
	}
	next := make([]outbox.Record, 0, len(records))
	changed := 0
	for _, record := range records {
		_, picked := selected[record.ID]
		if !record.Rejected() || (len(selected) > 0 && !picked) {
			next = append(next, record)
			continue
		}
		changed++
		if updated, keep := edit(record); keep {
			next = append(next, updated)
		}
	}
	if changed == 0 {
		return 0, nil
	}
	if err := e.store.ReplaceAll(ctx, next); err != nil {
		return 0, err
	}
	e.metrics.Pending.Set(float64(len(next)))
	return changed, nil
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) LastSummary() (Summary, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return Summary{}, false
	}
	return *e.last, true
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close stops accepting work, cancels the running pass and waits for it. An
// attempt interrupted by Close is not counted. The store is left open.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
	return nil
}

// IsPersistence reports whether err came from the local store.
func IsPersistence(err error) bool {
	return errors.Is(err, outbox.ErrPersistence)
}

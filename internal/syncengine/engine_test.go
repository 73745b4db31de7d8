package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/fieldsync/internal/outbox"
	"github.com/agentworkforce/fieldsync/internal/sink"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// fakeSink records deliveries and answers through decide, which defaults to success.
type fakeSink struct {
	mu       sync.Mutex
	calls    []sink.Delivery
	decide   func(ctx context.Context, d sink.Delivery) error
	inFlight int32
	maxSeen  int32
}

func (f *fakeSink) Deliver(ctx context.Context, d sink.Delivery) error {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, n) {
			break
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, d)
	decide := f.decide
	f.mu.Unlock()
	if decide == nil {
		return nil
	}
	return decide(ctx, d)
}

func (f *fakeSink) originIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, call := range f.calls {
		out = append(out, call.OriginID)
	}
	return out
}

// faultyStore injects persistence failures in front of a memory store.
type faultyStore struct {
	*outbox.MemoryStore
	failEnqueue atomic.Bool
	failReplace atomic.Bool
	replaces    atomic.Int32
}

func (s *faultyStore) Enqueue(ctx context.Context, record outbox.Record) error {
	if s.failEnqueue.Load() {
		return &outbox.PersistenceError{Op: "enqueue", Backend: "test", Err: errors.New("disk full")}
	}
	return s.MemoryStore.Enqueue(ctx, record)
}

func (s *faultyStore) ReplaceAll(ctx context.Context, records []outbox.Record) error {
	s.replaces.Add(1)
	if s.failReplace.Load() {
		return &outbox.PersistenceError{Op: "replace", Backend: "test", Err: errors.New("disk full")}
	}
	return s.MemoryStore.ReplaceAll(ctx, records)
}

func newTestEngine(t *testing.T, s sink.Sink, mutate func(*Options)) (*Engine, *faultyStore) {
	t.Helper()
	store := &faultyStore{MemoryStore: outbox.NewMemoryStore()}
	opts := Options{Store: store, Sink: s, DeliveryTimeout: time.Second}
	if mutate != nil {
		mutate(&opts)
	}
	engine, err := New(opts)
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine, store
}

func mustEnqueue(t *testing.T, e *Engine, n int) outbox.Record {
	t.Helper()
	record, err := e.Enqueue(context.Background(), json.RawMessage(fmt.Sprintf(`{"kind":"reading","seq":%d}`, n)))
	if err != nil {
		t.Fatalf("enqueue %d failed: %v", n, err)
	}
	return record
}

func pendingIDs(t *testing.T, e *Engine) []string {
	t.Helper()
	records, err := e.PendingRecords(context.Background())
	if err != nil {
		t.Fatalf("pending records failed: %v", err)
	}
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	return ids
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDrainDeliversEveryRecordInOrder(t *testing.T) {
	fake := &fakeSink{}
	engine, _ := newTestEngine(t, fake, nil)

	var want []string
	for i := 1; i <= 5; i++ {
		want = append(want, mustEnqueue(t, engine, i).OriginID)
	}
	summary, err := engine.DrainOnce(context.Background(), ReasonManual)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if summary.Delivered != 5 || summary.Pending != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if got := fake.originIDs(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected delivery order %v, got %v", want, got)
	}
	if count, _ := engine.PendingCount(context.Background()); count != 0 {
		t.Fatalf("expected empty queue, got %d", count)
	}
}

func TestTransientMiddleRecordIsTheOnlyOneKept(t *testing.T) {
	fake := &fakeSink{}
	engine, _ := newTestEngine(t, fake, nil)
	mustEnqueue(t, engine, 1)
	b := mustEnqueue(t, engine, 2)
	mustEnqueue(t, engine, 3)
	fake.decide = func(ctx context.Context, d sink.Delivery) error {
		if d.OriginID == b.OriginID {
			return errors.New("connection reset by peer")
		}
		return nil
	}

	summary, err := engine.DrainOnce(context.Background(), ReasonInterval)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if summary.Delivered != 2 || summary.Transient != 1 || summary.Rejected != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	records, _ := engine.PendingRecords(context.Background())
	if len(records) != 1 || records[0].ID != b.ID {
		t.Fatalf("expected only %s pending, got %+v", b.ID, records)
	}
	if records[0].Attempts != 1 || records[0].LastError != "connection reset by peer" || records[0].Rejected() {
		t.Fatalf("unexpected bookkeeping on kept record %+v", records[0])
	}
}

func TestRejectedRecordIsRetainedAndNotRetried(t *testing.T) {
	fake := &fakeSink{}
	engine, _ := newTestEngine(t, fake, nil)
	mustEnqueue(t, engine, 1)
	second := mustEnqueue(t, engine, 2)
	mustEnqueue(t, engine, 3)
	fake.decide = func(ctx context.Context, d sink.Delivery) error {
		if d.OriginID == second.OriginID {
			return sink.Reject(d.OriginID, "unknown plot id")
		}
		return nil
	}

	summary, err := engine.DrainOnce(context.Background(), ReasonReconnect)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if summary.Delivered != 2 || summary.Rejected != 1 || summary.Transient != 0 {
		t.Fatalf("expected 2/1/0 summary, got %+v", summary)
	}
	records, _ := engine.PendingRecords(context.Background())
	if len(records) != 1 || records[0].ID != second.ID {
		t.Fatalf("expected only record 2 pending, got %+v", records)
	}
	if !records[0].Rejected() || records[0].LastError != "unknown plot id" || records[0].Attempts != 1 {
		t.Fatalf("unexpected rejected record %+v", records[0])
	}

	calls := len(fake.originIDs())
	summary, err = engine.DrainOnce(context.Background(), ReasonManual)
	if err != nil {
		t.Fatalf("second drain failed: %v", err)
	}
	if summary.Held != 1 || summary.Attempted() != 0 {
		t.Fatalf("expected rejected record to be held, got %+v", summary)
	}
	if len(fake.originIDs()) != calls {
		t.Fatalf("rejected record must not be delivered again")
	}
}

func TestSinkTimeoutKeepsRecordForNextDrain(t *testing.T) {
	var calls int32
	fake := &fakeSink{decide: func(ctx context.Context, d sink.Delivery) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-ctx.Done()
			return &sink.TransientDeliveryError{OriginID: d.OriginID, Err: ctx.Err()}
		}
		return nil
	}}
	engine, _ := newTestEngine(t, fake, func(o *Options) { o.DeliveryTimeout = 20 * time.Millisecond })
	record := mustEnqueue(t, engine, 1)

	summary, err := engine.DrainOnce(context.Background(), ReasonInterval)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if summary.Transient != 1 || summary.Pending != 1 {
		t.Fatalf("expected one transient outcome, got %+v", summary)
	}
	records, _ := engine.PendingRecords(context.Background())
	if len(records) != 1 || records[0].ID != record.ID || records[0].Attempts != 1 {
		t.Fatalf("expected record kept with one attempt, got %+v", records)
	}
	if !strings.HasPrefix(records[0].LastError, "timeout: ") {
		t.Fatalf("expected timeout to be recorded, got %q", records[0].LastError)
	}

	summary, err = engine.DrainOnce(context.Background(), ReasonInterval)
	if err != nil {
		t.Fatalf("second drain failed: %v", err)
	}
	if summary.Delivered != 1 || summary.Pending != 0 {
		t.Fatalf("expected retry to deliver, got %+v", summary)
	}
	if ids := fake.originIDs(); len(ids) != 2 || ids[0] != ids[1] {
		t.Fatalf("expected the same origin id delivered twice, got %v", ids)
	}
}

func TestTriggersDuringDrainCoalesceIntoOnePass(t *testing.T) {
	entered := make(chan struct{}, 16)
	release := make(chan struct{})
	fake := &fakeSink{decide: func(ctx context.Context, d sink.Delivery) error {
		entered <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
	var passes int32
	engine, _ := newTestEngine(t, fake, func(o *Options) {
		o.OnPass = func(Summary) { atomic.AddInt32(&passes, 1) }
	})
	mustEnqueue(t, engine, 1)

	if !engine.Trigger(ReasonInterval) {
		t.Fatalf("expected first trigger to start a pass")
	}
	<-entered
	if engine.State() != Draining {
		t.Fatalf("expected draining state")
	}
	for i := 0; i < 5; i++ {
		if engine.Trigger(ReasonReconnect) {
			t.Fatalf("trigger %d started a concurrent pass", i)
		}
	}
	if _, err := engine.DrainOnce(context.Background(), ReasonManual); !errors.Is(err, ErrDrainInProgress) {
		t.Fatalf("expected drain in progress, got %v", err)
	}
	close(release)

	waitFor(t, "engine to go idle", func() bool {
		return engine.State() == Idle && atomic.LoadInt32(&passes) >= 2
	})
	if got := atomic.LoadInt32(&passes); got != 2 {
		t.Fatalf("expected exactly one follow-up pass, got %d passes", got)
	}
	if got := atomic.LoadInt32(&fake.maxSeen); got != 1 {
		t.Fatalf("expected sequential delivery, saw %d in flight", got)
	}
	summary, ok := engine.LastSummary()
	if !ok || summary.Trigger != ReasonManual {
		t.Fatalf("expected follow-up pass to carry the manual reason, got %+v", summary)
	}
}

func TestEnqueueDuringDrainIsKept(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var first atomic.Bool
	fake := &fakeSink{decide: func(ctx context.Context, d sink.Delivery) error {
		if first.CompareAndSwap(false, true) {
			entered <- struct{}{}
			<-release
		}
		return nil
	}}
	engine, _ := newTestEngine(t, fake, nil)
	mustEnqueue(t, engine, 1)

	done := make(chan Summary, 1)
	go func() {
		summary, _ := engine.DrainOnce(context.Background(), ReasonManual)
		done <- summary
	}()
	<-entered
	late := mustEnqueue(t, engine, 2)
	close(release)
	summary := <-done

	if summary.Delivered != 1 || summary.Pending != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if ids := pendingIDs(t, engine); len(ids) != 1 || ids[0] != late.ID {
		t.Fatalf("expected record enqueued mid-pass to survive, got %v", ids)
	}
}

func TestClearAllDuringDrainIsNotUndone(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	fake := &fakeSink{decide: func(ctx context.Context, d sink.Delivery) error {
		entered <- struct{}{}
		<-release
		return errors.New("gateway timeout")
	}}
	engine, _ := newTestEngine(t, fake, nil)
	mustEnqueue(t, engine, 1)

	done := make(chan struct{})
	go func() {
		_, _ = engine.DrainOnce(context.Background(), ReasonManual)
		close(done)
	}()
	<-entered
	cleared, err := engine.ClearAll(context.Background())
	if err != nil || cleared != 1 {
		t.Fatalf("clear all returned %d, %v", cleared, err)
	}
	close(release)
	<-done

	if ids := pendingIDs(t, engine); len(ids) != 0 {
		t.Fatalf("expected cleared record to stay cleared, got %v", ids)
	}
}

func TestCommitFailureLeavesQueueAndRedeliversIdempotently(t *testing.T) {
	applied := map[string]int{}
	var mu sync.Mutex
	fake := &fakeSink{decide: func(ctx context.Context, d sink.Delivery) error {
		mu.Lock()
		defer mu.Unlock()
		applied[d.OriginID]++
		return nil
	}}
	engine, store := newTestEngine(t, fake, nil)
	a := mustEnqueue(t, engine, 1)
	b := mustEnqueue(t, engine, 2)

	store.failReplace.Store(true)
	summary, err := engine.DrainOnce(context.Background(), ReasonInterval)
	if !IsPersistence(err) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if !errors.Is(summary.Err, outbox.ErrPersistence) {
		t.Fatalf("expected summary to carry the persistence error, got %v", summary.Err)
	}
	records, _ := engine.PendingRecords(context.Background())
	if len(records) != 2 || records[0].Attempts != 0 || records[1].Attempts != 0 {
		t.Fatalf("expected pre-pass queue after failed commit, got %+v", records)
	}

	store.failReplace.Store(false)
	if _, err := engine.DrainOnce(context.Background(), ReasonInterval); err != nil {
		t.Fatalf("second drain failed: %v", err)
	}
	if ids := pendingIDs(t, engine); len(ids) != 0 {
		t.Fatalf("expected empty queue, got %v", ids)
	}
	if applied[a.OriginID] != 2 || applied[b.OriginID] != 2 {
		t.Fatalf("expected each origin id redelivered once more, got %v", applied)
	}
}

func TestOneReplaceAllPerPass(t *testing.T) {
	fake := &fakeSink{decide: func(ctx context.Context, d sink.Delivery) error {
		return errors.New("unavailable")
	}}
	engine, store := newTestEngine(t, fake, nil)
	for i := 0; i < 4; i++ {
		mustEnqueue(t, engine, i)
	}
	if _, err := engine.DrainOnce(context.Background(), ReasonInterval); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if got := store.replaces.Load(); got != 1 {
		t.Fatalf("expected one ReplaceAll, got %d", got)
	}

	empty, emptyStore := newTestEngine(t, fake, nil)
	if _, err := empty.DrainOnce(context.Background(), ReasonInterval); err != nil {
		t.Fatalf("drain on empty queue failed: %v", err)
	}
	if got := emptyStore.replaces.Load(); got != 0 {
		t.Fatalf("expected no write for an empty pass, got %d", got)
	}
}

func TestEnqueuePersistenceFailureReturnsRecord(t *testing.T) {
	engine, store := newTestEngine(t, &fakeSink{}, nil)
	store.failEnqueue.Store(true)

	record, err := engine.Enqueue(context.Background(), json.RawMessage(`{"kind":"residue"}`))
	var perr *outbox.PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if record.ID == "" || record.OriginID != record.ID {
		t.Fatalf("expected built record to be returned, got %+v", record)
	}

	store.failEnqueue.Store(false)
	if err := engine.EnqueueRecord(context.Background(), record); err != nil {
		t.Fatalf("enqueue record retry failed: %v", err)
	}
	if ids := pendingIDs(t, engine); len(ids) != 1 || ids[0] != record.ID {
		t.Fatalf("expected retried record to be queued, got %v", ids)
	}
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeSink{}, nil)
	for _, body := range []string{"", "{", "not json"} {
		if _, err := engine.Enqueue(context.Background(), json.RawMessage(body)); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("expected invalid payload for %q, got %v", body, err)
		}
	}
	if count, _ := engine.PendingCount(context.Background()); count != 0 {
		t.Fatalf("invalid payloads must not be queued, got %d", count)
	}
}

func TestRetryAndDiscardRejected(t *testing.T) {
	fake := &fakeSink{decide: func(ctx context.Context, d sink.Delivery) error {
		return sink.Reject(d.OriginID, "bad crop code")
	}}
	engine, _ := newTestEngine(t, fake, nil)
	a := mustEnqueue(t, engine, 1)
	b := mustEnqueue(t, engine, 2)
	if _, err := engine.DrainOnce(context.Background(), ReasonManual); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	n, err := engine.RetryRejected(context.Background(), []string{a.ID})
	if err != nil || n != 1 {
		t.Fatalf("retry rejected returned %d, %v", n, err)
	}
	records, _ := engine.PendingRecords(context.Background())
	if records[0].Rejected() || records[0].LastError != "" || records[0].Attempts != 1 {
		t.Fatalf("expected %s back to pending with attempts kept, got %+v", a.ID, records[0])
	}
	if !records[1].Rejected() {
		t.Fatalf("expected %s to stay rejected", b.ID)
	}

	n, err = engine.DiscardRejected(context.Background(), nil)
	if err != nil || n != 1 {
		t.Fatalf("discard rejected returned %d, %v", n, err)
	}
	if ids := pendingIDs(t, engine); len(ids) != 1 || ids[0] != a.ID {
		t.Fatalf("expected only the retried record to remain, got %v", ids)
	}
}

func TestBackoffDefersUntilForced(t *testing.T) {
	fake := &fakeSink{decide: func(ctx context.Context, d sink.Delivery) error {
		return errors.New("unavailable")
	}}
	engine, _ := newTestEngine(t, fake, func(o *Options) {
		o.Backoff = Backoff{Base: time.Hour, Max: 4 * time.Hour}
	})
	mustEnqueue(t, engine, 1)

	if _, err := engine.DrainOnce(context.Background(), ReasonInterval); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	records, _ := engine.PendingRecords(context.Background())
	if records[0].NextAttemptAt == nil {
		t.Fatalf("expected next attempt to be scheduled")
	}

	summary, _ := engine.DrainOnce(context.Background(), ReasonInterval)
	if summary.Deferred != 1 || summary.Attempted() != 0 {
		t.Fatalf("expected record to be deferred, got %+v", summary)
	}
	summary, _ = engine.DrainOnce(context.Background(), ReasonManual)
	if summary.Transient != 1 {
		t.Fatalf("expected forced drain to ignore backoff, got %+v", summary)
	}
	records, _ = engine.PendingRecords(context.Background())
	if records[0].Attempts != 2 {
		t.Fatalf("expected two attempts, got %d", records[0].Attempts)
	}
}

func TestClosedEngineRefusesWork(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeSink{}, nil)
	if err := engine.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if engine.Trigger(ReasonInterval) {
		t.Fatalf("expected trigger after close to be refused")
	}
	if _, err := engine.DrainOnce(context.Background(), ReasonManual); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if _, err := engine.Enqueue(context.Background(), json.RawMessage(`{}`)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error on enqueue, got %v", err)
	}
}

func TestCloseInterruptsPassWithoutCountingAttempt(t *testing.T) {
	entered := make(chan struct{}, 1)
	fake := &fakeSink{decide: func(ctx context.Context, d sink.Delivery) error {
		entered <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}}
	engine, _ := newTestEngine(t, fake, nil)
	mustEnqueue(t, engine, 1)
	engine.Trigger(ReasonStartup)
	<-entered
	if err := engine.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	records, _ := engine.PendingRecords(context.Background())
	if len(records) != 1 || records[0].Attempts != 0 {
		t.Fatalf("expected interrupted record untouched, got %+v", records)
	}
}

func TestDrainWithoutSink(t *testing.T) {
	engine, _ := newTestEngine(t, nil, nil)
	if _, err := engine.DrainOnce(context.Background(), ReasonManual); !errors.Is(err, ErrNoSink) {
		t.Fatalf("expected no sink error, got %v", err)
	}
	if engine.ForceDrainNow() {
		t.Fatalf("expected force drain without sink to be refused")
	}
}

func TestMetricsFollowOutcomes(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	var n int32
	fake := &fakeSink{decide: func(ctx context.Context, d sink.Delivery) error {
		switch atomic.AddInt32(&n, 1) {
		case 1:
			return nil
		case 2:
			return sink.Reject(d.OriginID, "bad")
		default:
			return errors.New("unavailable")
		}
	}}
	engine, _ := newTestEngine(t, fake, func(o *Options) { o.Metrics = metrics })
	for i := 0; i < 3; i++ {
		mustEnqueue(t, engine, i)
	}
	if _, err := engine.DrainOnce(context.Background(), ReasonManual); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	for outcome, want := range map[string]float64{"delivered": 1, "rejected": 1, "transient": 1} {
		if got := testutil.ToFloat64(metrics.Deliveries.WithLabelValues(outcome)); got != want {
			t.Fatalf("expected %s=%v, got %v", outcome, want, got)
		}
	}
	if got := testutil.ToFloat64(metrics.Pending); got != 2 {
		t.Fatalf("expected pending gauge 2, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.Passes.WithLabelValues("manual", "ok")); got != 1 {
		t.Fatalf("expected one manual pass, got %v", got)
	}
}

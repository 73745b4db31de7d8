package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/fieldsync/internal/connectivity"
	"github.com/agentworkforce/fieldsync/internal/outbox"
	"github.com/agentworkforce/fieldsync/internal/sink"
	"github.com/agentworkforce/fieldsync/internal/syncengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconnectReconcilesQueuedMutations(t *testing.T) {
	var mu sync.Mutex
	var delivered []string
	rejectedID := ""
	deliver := sink.FuncSink(func(ctx context.Context, d sink.Delivery) error {
		mu.Lock()
		defer mu.Unlock()
		if d.OriginID == rejectedID {
			return sink.Reject(d.OriginID, "unknown plot id")
		}
		delivered = append(delivered, d.OriginID)
		return nil
	})

	passes := make(chan syncengine.Summary, 4)
	engine, err := syncengine.New(syncengine.Options{
		Store:  outbox.NewMemoryStore(),
		Sink:   deliver,
		OnPass: func(s syncengine.Summary) { passes <- s },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	m := &watchedMonitor{Monitor: connectivity.NewMonitor(connectivity.Offline, nil), subscribed: make(chan struct{})}
	s, err := New(engine, m, Options{Interval: time.Hour, TriggerOnStart: true})
	require.NoError(t, err)
	runScheduler(t, s)
	<-m.subscribed

	ctx := context.Background()
	var records []outbox.Record
	for i := 1; i <= 3; i++ {
		body, err := json.Marshal(map[string]int{"plot": i})
		require.NoError(t, err)
		record, err := engine.Enqueue(ctx, body)
		require.NoError(t, err)
		records = append(records, record)
	}
	mu.Lock()
	rejectedID = records[1].OriginID
	mu.Unlock()

	select {
	case summary := <-passes:
		t.Fatalf("no pass expected while offline, got %+v", summary)
	case <-time.After(20 * time.Millisecond):
	}

	m.Report(connectivity.Online, "test")

	var summary syncengine.Summary
	select {
	case summary = <-passes:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconnect pass")
	}
	assert.Equal(t, syncengine.ReasonReconnect, summary.Trigger)
	assert.Equal(t, 2, summary.Delivered)
	assert.Equal(t, 1, summary.Rejected)
	assert.Equal(t, 0, summary.Transient)
	assert.Equal(t, 1, summary.Pending)

	pending, err := engine.PendingRecords(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, records[1].ID, pending[0].ID)
	assert.True(t, pending[0].Rejected())

	mu.Lock()
	assert.Equal(t, []string{records[0].OriginID, records[2].OriginID}, delivered)
	mu.Unlock()
}

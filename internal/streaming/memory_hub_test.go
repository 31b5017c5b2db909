package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertQuiet(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %q", e.Type)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestEventFilter_Match(t *testing.T) {
	ev := Event{Type: "step.status_changed", RunID: "run-1", ExecutionID: "exec-1"}
	tests := []struct {
		name   string
		filter EventFilter
		want   bool
	}{
		{"empty", EventFilter{}, true},
		{"run", EventFilter{RunID: "run-1"}, true},
		{"other run", EventFilter{RunID: "run-2"}, false},
		{"execution", EventFilter{ExecutionID: "exec-1"}, true},
		{"other execution", EventFilter{ExecutionID: "exec-2"}, false},
		{"exact type", EventFilter{EventTypes: []string{"run.status_changed", "step.status_changed"}}, true},
		{"type prefix", EventFilter{EventTypes: []string{"step."}}, true},
		{"prefix needs dot", EventFilter{EventTypes: []string{"step"}}, false},
		{"other prefix", EventFilter{EventTypes: []string{"artifact."}}, false},
		{"all fields", EventFilter{RunID: "run-1", ExecutionID: "exec-1", EventTypes: []string{"step."}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(ev))
		})
	}
}

func TestMemoryHub_DeliversMatchingEvents(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	all, cancelAll, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancelAll()
	runOnly, cancelRun, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1", EventTypes: []string{"run."}})
	require.NoError(t, err)
	defer cancelRun()

	require.NoError(t, hub.Emit(ctx, Event{Type: "step.status_changed", RunID: "run-1", StepID: "s1"}))
	require.NoError(t, hub.Emit(ctx, Event{Type: "run.status_changed", RunID: "run-2"}))
	require.NoError(t, hub.Emit(ctx, Event{Type: "run.status_changed", RunID: "run-1", Payload: map[string]any{"status": "COMPLETED"}}))

	assert.Equal(t, "s1", receive(t, all).StepID)
	assert.Equal(t, "run-2", receive(t, all).RunID)
	assert.Equal(t, "run-1", receive(t, all).RunID)

	got := receive(t, runOnly)
	assert.Equal(t, "run.status_changed", got.Type)
	assert.False(t, got.Timestamp.IsZero(), "emit stamps a timestamp")
	assertQuiet(t, runOnly)
}

func TestMemoryHub_KeepsGivenTimestamp(t *testing.T) {
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	defer cancel()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, hub.Emit(context.Background(), Event{Type: "tick", Timestamp: at}))
	assert.Equal(t, at, receive(t, ch).Timestamp)
}

func TestMemoryHub_CancelUnsubscribes(t *testing.T) {
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()
	assert.Zero(t, hub.Subscribers())
	require.NoError(t, hub.Emit(context.Background(), Event{Type: "tick"}))
	assertQuiet(t, ch)
}

func TestMemoryHub_ContextEndsSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	_, unsubscribe, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer unsubscribe()

	cancel()
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestMemoryHub_DropsForFullSubscriber(t *testing.T) {
	hub := NewMemoryHub(WithBuffer(2))
	ctx := context.Background()
	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for range 5 {
		require.NoError(t, hub.Emit(ctx, Event{Type: "tick"}))
	}
	assert.Len(t, ch, 2)
	assert.Equal(t, int64(3), hub.Dropped())
}

func TestMemoryHub_CancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Emit(ctx, Event{Type: "tick"}), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryHub_ConcurrentEmitAndSubscribe(t *testing.T) {
	hub := NewMemoryHub(WithBuffer(8))
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = hub.Emit(ctx, Event{Type: "step.status_changed", RunID: "run-1"})
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
			if err != nil {
				return
			}
			defer cancel()
			for range 3 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, hub.Subscribers())
}

func TestRecorder(t *testing.T) {
	rec := &Recorder{}
	ctx := context.Background()

	require.NoError(t, rec.Emit(ctx, Event{Type: "run.status_changed"}))
	require.NoError(t, rec.Emit(ctx, Event{Type: "step.status_changed"}))
	require.NoError(t, rec.Emit(ctx, Event{Type: "run.status_changed"}))

	assert.Len(t, rec.Events(), 3)
	assert.Len(t, rec.OfType("run.status_changed"), 2)
	assert.Empty(t, rec.OfType("artifact.created"))
}

func TestOrNop(t *testing.T) {
	assert.NoError(t, OrNop(nil).Emit(context.Background(), Event{Type: "x"}))

	rec := &Recorder{}
	assert.Same(t, rec, OrNop(rec))
}

// Package controlplane is the durable governance registry: runs, step runs,
// artifacts, metering and audit, persisted through a store.BlobStore.
package controlplane

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/playbook/internal/logging"
	"github.com/rendis/playbook/internal/store"
	"github.com/rendis/playbook/internal/streaming"
	"github.com/rendis/playbook/pkg/schema"
)

// Registry records everything the control plane governs. Safe for concurrent use.
type Registry struct {
	store  store.BlobStore
	layout store.Layout
	logger *slog.Logger
	sink   streaming.EventSink
	now    func() time.Time
	newID  func() string

	runs      *index[RunSummary]
	artifacts *index[ArtifactSummary]

	runLocks sync.Map // run ID -> *sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithLayout overrides the key layout.
func WithLayout(l store.Layout) Option { return func(r *Registry) { r.layout = l } }

// WithLogger sets the logger for best-effort failures.
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithSink sets the event sink notified of registry changes.
func WithSink(s streaming.EventSink) Option { return func(r *Registry) { r.sink = s } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithIDGenerator overrides ID allocation.
func WithIDGenerator(fn func() string) Option { return func(r *Registry) { r.newID = fn } }

// Open builds a registry over bs and loads the persisted indexes.
func Open(ctx context.Context, bs store.BlobStore, opts ...Option) (*Registry, error) {
	r := &Registry{
		store: bs,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = logging.OrDiscard(r.logger).With("component", "controlplane")
	r.sink = streaming.OrNop(r.sink)

	r.runs = newIndex(r.layout.IndexPath(store.RunsIndexFile),
		func(s RunSummary) string { return s.ID },
		func(a, b RunSummary) bool { return newestFirst(a.CreatedAt, b.CreatedAt, a.ID, b.ID) })
	r.artifacts = newIndex(r.layout.IndexPath(store.ArtifactsIndexFile),
		func(s ArtifactSummary) string { return s.ID },
		func(a, b ArtifactSummary) bool { return newestFirst(a.CreatedAt, b.CreatedAt, a.ID, b.ID) })

	if err := r.runs.load(ctx, bs); err != nil {
		return nil, err
	}
	if err := r.artifacts.load(ctx, bs); err != nil {
		return nil, err
	}
	return r, nil
}

// Layout returns the key layout in use.
func (r *Registry) Layout() store.Layout { return r.layout }

// Store returns the underlying blob store.
func (r *Registry) Store() store.BlobStore { return r.store }

func (r *Registry) lockRun(runID string) func() {
	mu, _ := r.runLocks.LoadOrStore(runID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func (r *Registry) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "encode %q", key).WithCause(err)
	}
	return r.store.Put(ctx, key, data)
}

func (r *Registry) getJSON(ctx context.Context, key string, v any) error {
	data, err := r.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "decode %q", key).WithCause(err)
	}
	return nil
}

// emit publishes an event; sink failures are logged only.
func (r *Registry) emit(ctx context.Context, ev streaming.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now()
	}
	if err := r.sink.Emit(ctx, ev); err != nil {
		logging.LogWith(ctx, r.logger).Warn("event emit failed", "event_type", ev.Type, "error", err)
	}
}

// audit records an internal audit entry; failures never fail the caller.
func (r *Registry) audit(ctx context.Context, e AuditEntry) {
	if _, err := r.LogAudit(ctx, e); err != nil {
		logging.LogWith(ctx, r.logger).Warn("audit write failed", "action", e.Action, "error", err)
	}
}

func timePtr(t time.Time) *time.Time { return &t }

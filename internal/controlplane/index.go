package controlplane

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/playbook/internal/store"
	"github.com/rendis/playbook/pkg/schema"
)

// RunSummary is the index entry of a run.
type RunSummary struct {
	ID           string           `json:"id"`
	PlaybookCode string           `json:"playbook_code"`
	Status       schema.RunStatus `json:"status"`
	TenantID     string           `json:"tenant_id,omitempty"`
	WorkspaceID  string           `json:"workspace_id,omitempty"`
	ParentRunID  string           `json:"parent_run_id,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

func summarizeRun(r *Run) RunSummary {
	return RunSummary{
		ID:           r.ID,
		PlaybookCode: r.PlaybookCode,
		Status:       r.Status,
		TenantID:     r.TenantID,
		WorkspaceID:  r.WorkspaceID,
		ParentRunID:  r.ParentRunID,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func (s RunSummary) matches(f RunFilter) bool {
	return (f.Status == "" || s.Status == f.Status) &&
		(f.PlaybookCode == "" || s.PlaybookCode == f.PlaybookCode) &&
		(f.TenantID == "" || s.TenantID == f.TenantID) &&
		(f.WorkspaceID == "" || s.WorkspaceID == f.WorkspaceID) &&
		(f.ParentRunID == "" || s.ParentRunID == f.ParentRunID)
}

// ArtifactSummary is the index entry of an artifact.
type ArtifactSummary struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func summarizeArtifact(a *Artifact) ArtifactSummary {
	return ArtifactSummary{
		ID:        a.ID,
		RunID:     a.RunID,
		Kind:      a.Kind,
		CreatedAt: a.CreatedAt,
		ExpiresAt: a.ExpiresAt,
	}
}

func (s ArtifactSummary) matches(f ArtifactFilter) bool {
	return (f.RunID == "" || s.RunID == f.RunID) && (f.Kind == "" || s.Kind == f.Kind)
}

// index is a copy-on-write listing persisted as one blob. Readers load an
// immutable snapshot and never wait on writers; writers are serialized and
// only publish a snapshot after it is durable.
type index[T any] struct {
	key   string
	id    func(T) string
	order func(a, b T) bool

	mu   sync.Mutex
	snap atomic.Pointer[map[string]T]
}

func newIndex[T any](key string, id func(T) string, order func(a, b T) bool) *index[T] {
	ix := &index[T]{key: key, id: id, order: order}
	empty := map[string]T{}
	ix.snap.Store(&empty)
	return ix
}

// load restores the snapshot from the store. A missing blob is an empty index.
func (ix *index[T]) load(ctx context.Context, bs store.BlobStore) error {
	data, err := bs.Get(ctx, ix.key)
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var entries []T
	if err := json.Unmarshal(data, &entries); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "decode index %q", ix.key).WithCause(err)
	}
	m := make(map[string]T, len(entries))
	for _, e := range entries {
		m[ix.id(e)] = e
	}
	ix.snap.Store(&m)
	return nil
}

func (ix *index[T]) snapshot() map[string]T { return *ix.snap.Load() }

func (ix *index[T]) get(id string) (T, bool) {
	e, ok := ix.snapshot()[id]
	return e, ok
}

// sorted returns entries ordered by the index order.
func (ix *index[T]) sorted() []T {
	m := ix.snapshot()
	out := make([]T, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return ix.order(out[i], out[j]) })
	return out
}

// mutate applies fn to a private copy, persists it, then publishes it.
// fn returns false to abandon the change.
func (ix *index[T]) mutate(ctx context.Context, bs store.BlobStore, fn func(m map[string]T) bool) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	cur := ix.snapshot()
	next := make(map[string]T, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	if !fn(next) {
		return nil
	}

	entries := make([]T, 0, len(next))
	for _, e := range next {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return ix.order(entries[i], entries[j]) })
	data, err := json.Marshal(entries)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "encode index %q", ix.key).WithCause(err)
	}
	if err := bs.Put(ctx, ix.key, data); err != nil {
		return err
	}
	ix.snap.Store(&next)
	return nil
}

func (ix *index[T]) upsert(ctx context.Context, bs store.BlobStore, e T) error {
	return ix.mutate(ctx, bs, func(m map[string]T) bool {
		m[ix.id(e)] = e
		return true
	})
}

// remove reports whether the entry existed.
func (ix *index[T]) remove(ctx context.Context, bs store.BlobStore, id string) (bool, error) {
	var existed bool
	err := ix.mutate(ctx, bs, func(m map[string]T) bool {
		if _, existed = m[id]; !existed {
			return false
		}
		delete(m, id)
		return true
	})
	return existed, err
}

// newestFirst orders by creation time descending with the ID as tie-breaker.
func newestFirst(aCreated, bCreated time.Time, aID, bID string) bool {
	if !aCreated.Equal(bCreated) {
		return aCreated.After(bCreated)
	}
	return aID > bID
}

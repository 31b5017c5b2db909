package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbook/internal/controlplane"
	"github.com/rendis/playbook/internal/store"
)

// fakeExpirer serves a fixed set of artifacts.
type fakeExpirer struct {
	mu      sync.Mutex
	items   map[string]time.Time // id -> expires at
	failOn  string
	removed []string
	listErr error
}

func (f *fakeExpirer) ExpiredArtifacts(_ context.Context, now time.Time) ([]*controlplane.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*controlplane.Artifact
	for id, exp := range f.items {
		if !exp.After(now) {
			out = append(out, &controlplane.Artifact{ID: id, ExpiresAt: exp})
		}
	}
	return out, nil
}

func (f *fakeExpirer) RemoveArtifactFromIndex(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == f.failOn {
		return errors.New("disk error")
	}
	delete(f.items, id)
	f.removed = append(f.removed, id)
	return nil
}

func fixedNow() time.Time { return time.Date(2026, 5, 1, 10, 30, 0, 0, time.UTC) }

func TestNewSweeper_Schedules(t *testing.T) {
	s, err := NewSweeper(&fakeExpirer{}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC), s.NextRun(fixedNow()))

	s, err = NewSweeper(&fakeExpirer{}, "15 3 * * *", nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 2, 3, 15, 0, 0, time.UTC), s.NextRun(fixedNow()))

	_, err = NewSweeper(&fakeExpirer{}, "not a cron", nil)
	assert.Error(t, err)
}

func TestSweep_RemovesExpiredAndContinuesOnFailure(t *testing.T) {
	now := fixedNow()
	f := &fakeExpirer{
		items: map[string]time.Time{
			"old":    now.Add(-time.Hour),
			"broken": now.Add(-time.Minute),
			"fresh":  now.Add(time.Hour),
		},
		failOn: "broken",
	}
	s, err := NewSweeper(f, "@daily", nil)
	require.NoError(t, err)
	s.now = fixedNow

	report, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Expired)
	assert.Equal(t, 1, report.Removed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []string{"old"}, f.removed)
	assert.Equal(t, report, s.LastReport())
}

func TestSweep_ListError(t *testing.T) {
	s, err := NewSweeper(&fakeExpirer{listErr: errors.New("store down")}, "@daily", nil)
	require.NoError(t, err)
	_, err = s.Sweep(context.Background())
	assert.ErrorContains(t, err, "store down")
}

func TestSweeper_StartStop(t *testing.T) {
	f := &fakeExpirer{items: map[string]time.Time{"old": time.Now().Add(-time.Hour)}}
	s, err := NewSweeper(f, "@daily", nil)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start is rejected")

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.removed) == 1
	}, time.Second, 5*time.Millisecond, "the loop sweeps once on start")

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")
}

func TestSweep_AgainstRegistry(t *testing.T) {
	ctx := context.Background()
	bs, err := store.NewFSStore(t.TempDir())
	require.NoError(t, err)

	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg, err := controlplane.Open(ctx, bs, controlplane.WithClock(func() time.Time { return created }))
	require.NoError(t, err)
	run, err := reg.CreateRun(ctx, controlplane.CreateRunRequest{PlaybookCode: "research"})
	require.NoError(t, err)
	short, err := reg.CreateArtifact(ctx, controlplane.CreateArtifactRequest{RunID: run.ID, Kind: "tmp", Content: []byte("x"), RetentionPolicy: "1d"})
	require.NoError(t, err)
	_, err = reg.CreateArtifact(ctx, controlplane.CreateArtifactRequest{RunID: run.ID, Kind: "report", StorageURI: "s3://b/k", RetentionPolicy: "1y"})
	require.NoError(t, err)

	s, err := NewSweeper(reg, "@hourly", nil)
	require.NoError(t, err)
	s.now = func() time.Time { return created.AddDate(0, 0, 2) }

	report, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Removed)

	listed := reg.ListArtifacts(ctx, controlplane.ArtifactFilter{})
	require.Len(t, listed, 1)
	assert.NotEqual(t, short.ID, listed[0].ID)

	entries, err := reg.QueryAudit(ctx, controlplane.AuditFilter{Action: controlplane.ActionArtifactExpired})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, short.ID, entries[0].ResourceID)
}

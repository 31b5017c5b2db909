package controlplane

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbook/pkg/schema"
)

func TestParseRetention(t *testing.T) {
	cases := []struct {
		policy string
		days   int
		ok     bool
	}{
		{"30d", 30, true},
		{"1d", 1, true},
		{"2w", 14, true},
		{"3m", 90, true},
		{"1y", 365, true},
		{"0d", 0, true},
		{"bogus", DefaultRetentionDays, false},
		{"", DefaultRetentionDays, false},
		{"10h", DefaultRetentionDays, false},
		{"-1d", DefaultRetentionDays, false},
		{"d", DefaultRetentionDays, false},
		{"100y", MaxRetentionDays, true},
		{"101y", DefaultRetentionDays, false},
		{"99999999999999999y", DefaultRetentionDays, false},
		{"99999999999999999999d", DefaultRetentionDays, false},
	}
	for _, tc := range cases {
		t.Run(tc.policy, func(t *testing.T) {
			days, ok := ParseRetention(tc.policy)
			assert.Equal(t, tc.days, days)
			assert.Equal(t, tc.ok, ok)
		})
	}
}

func TestCreateArtifact_RetentionScenarios(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.createRun(t, "research")

	thirty, err := f.reg.CreateArtifact(ctx, CreateArtifactRequest{
		RunID:           run.ID,
		Kind:            "report",
		StorageURI:      "s3://bucket/report.pdf",
		RetentionPolicy: "30d",
	})
	require.NoError(t, err)
	assert.Equal(t, thirty.CreatedAt.Add(30*24*time.Hour), thirty.ExpiresAt)

	bogus, err := f.reg.CreateArtifact(ctx, CreateArtifactRequest{
		RunID:           run.ID,
		Kind:            "report",
		StorageURI:      "s3://bucket/other.pdf",
		RetentionPolicy: "bogus",
	})
	require.NoError(t, err)
	assert.Equal(t, bogus.CreatedAt.Add(30*24*time.Hour), bogus.ExpiresAt)
	assert.Equal(t, "bogus", bogus.RetentionPolicy)

	huge, err := f.reg.CreateArtifact(ctx, CreateArtifactRequest{
		RunID:           run.ID,
		Kind:            "report",
		StorageURI:      "s3://bucket/huge.pdf",
		RetentionPolicy: "99999999999999999y",
	})
	require.NoError(t, err)
	assert.Equal(t, huge.CreatedAt.Add(30*24*time.Hour), huge.ExpiresAt)

	weekly, err := f.reg.CreateArtifact(ctx, CreateArtifactRequest{
		RunID:           run.ID,
		Kind:            "log",
		StorageURI:      "s3://bucket/log.txt",
		RetentionPolicy: "1w",
	})
	require.NoError(t, err)
	assert.Equal(t, weekly.CreatedAt.AddDate(0, 0, 7), weekly.ExpiresAt)
}

func TestCreateArtifact_ManagedContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.createRun(t, "research")
	content := []byte("# findings\n")

	a, err := f.reg.CreateArtifact(ctx, CreateArtifactRequest{RunID: run.ID, Kind: "markdown", Content: content})
	require.NoError(t, err)

	sum := sha256.Sum256(content)
	assert.Equal(t, "sha256:"+hex.EncodeToString(sum[:]), a.Checksum)
	assert.Equal(t, int64(len(content)), a.Size)
	assert.True(t, a.Managed)
	assert.Equal(t, DefaultRetentionPolicy, a.RetentionPolicy)

	got, err := f.reg.GetArtifactContent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	assert.Len(t, f.events.OfType(schema.EventArtifactCreated), 1)
}

func TestCreateArtifact_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.createRun(t, "research")

	_, err := f.reg.CreateArtifact(ctx, CreateArtifactRequest{RunID: run.ID, StorageURI: "x"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = f.reg.CreateArtifact(ctx, CreateArtifactRequest{RunID: run.ID, Kind: "report"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = f.reg.CreateArtifact(ctx, CreateArtifactRequest{RunID: "missing", Kind: "report", StorageURI: "x"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	external, err := f.reg.CreateArtifact(ctx, CreateArtifactRequest{RunID: run.ID, Kind: "report", StorageURI: "s3://b/k"})
	require.NoError(t, err)
	_, err = f.reg.GetArtifactContent(ctx, external.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestListArtifacts_Filters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r1 := f.createRun(t, "research")
	r2 := f.createRun(t, "research")

	_, err := f.reg.CreateArtifact(ctx, CreateArtifactRequest{RunID: r1.ID, Kind: "report", StorageURI: "a"})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.reg.CreateArtifact(ctx, CreateArtifactRequest{RunID: r1.ID, Kind: "log", StorageURI: "b"})
	require.NoError(t, err)
	_, err = f.reg.CreateArtifact(ctx, CreateArtifactRequest{RunID: r2.ID, Kind: "report", StorageURI: "c"})
	require.NoError(t, err)

	assert.Len(t, f.reg.ListArtifacts(ctx, ArtifactFilter{}), 3)
	assert.Len(t, f.reg.ListArtifacts(ctx, ArtifactFilter{RunID: r1.ID}), 2)
	reports := f.reg.ListArtifacts(ctx, ArtifactFilter{Kind: "report"})
	require.Len(t, reports, 2)
	assert.Equal(t, r2.ID, reports[0].RunID, "newest first")
}

func TestExpiredArtifacts_AndRemoval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.createRun(t, "research")

	short, err := f.reg.CreateArtifact(ctx, CreateArtifactRequest{RunID: run.ID, Kind: "tmp", Content: []byte("x"), RetentionPolicy: "1d"})
	require.NoError(t, err)
	_, err = f.reg.CreateArtifact(ctx, CreateArtifactRequest{RunID: run.ID, Kind: "report", StorageURI: "s3://b/k", RetentionPolicy: "1y"})
	require.NoError(t, err)

	expired, err := f.reg.ExpiredArtifacts(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = f.reg.ExpiredArtifacts(ctx, f.clock.Now().Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, short.ID, expired[0].ID)

	require.NoError(t, f.reg.RemoveArtifactFromIndex(ctx, short.ID))
	assert.Len(t, f.reg.ListArtifacts(ctx, ArtifactFilter{}), 1)

	rec, err := f.reg.GetArtifact(ctx, short.ID)
	require.NoError(t, err, "record stays")
	assert.Equal(t, short.Checksum, rec.Checksum)

	_, err = f.reg.GetArtifactContent(ctx, short.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound), "managed content is deleted")

	entries, err := f.reg.QueryAudit(ctx, AuditFilter{Action: ActionArtifactExpired})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, short.ID, entries[0].ResourceID)

	// Removing twice is a no-op.
	require.NoError(t, f.reg.RemoveArtifactFromIndex(ctx, short.ID))
	entries, err = f.reg.QueryAudit(ctx, AuditFilter{Action: ActionArtifactExpired})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

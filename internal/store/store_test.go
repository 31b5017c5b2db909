package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbook/pkg/schema"
)

func newFSStore(t *testing.T) BlobStore {
	t.Helper()
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func newLibSQLStore(t *testing.T) BlobStore {
	t.Helper()
	s, err := NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var backends = map[string]func(t *testing.T) BlobStore{
	"fs":     newFSStore,
	"libsql": newLibSQLStore,
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s BlobStore)) {
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func TestPutGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s BlobStore) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "runs/r1/run.json", []byte(`{"id":"r1"}`)))

		got, err := s.Get(ctx, "runs/r1/run.json")
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"r1"}`, string(got))

		require.NoError(t, s.Put(ctx, "runs/r1/run.json", []byte(`{"id":"r1","v":2}`)))
		got, err = s.Get(ctx, "runs/r1/run.json")
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"r1","v":2}`, string(got))
	})
}

func TestGet_NotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s BlobStore) {
		_, err := s.Get(context.Background(), "runs/missing/run.json")
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	})
}

func TestPut_EmptyValue(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s BlobStore) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "artifacts/a1/content", nil))
		got, err := s.Get(ctx, "artifacts/a1/content")
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s BlobStore) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "artifacts/a1/content", []byte("x")))
		require.NoError(t, s.Delete(ctx, "artifacts/a1/content"))

		_, err := s.Get(ctx, "artifacts/a1/content")
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

		assert.NoError(t, s.Delete(ctx, "artifacts/a1/content"), "deleting a missing key is fine")
	})
}

func TestAppendReadLines(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s BlobStore) {
		ctx := context.Background()

		lines, err := s.ReadLines(ctx, "logs/audit.ndjson")
		require.NoError(t, err)
		assert.Empty(t, lines)

		for i := range 3 {
			require.NoError(t, s.Append(ctx, "logs/audit.ndjson", fmt.Appendf(nil, `{"n":%d}`, i)))
		}
		require.NoError(t, s.Append(ctx, "logs/metering.ndjson", []byte(`{"other":true}`)))

		lines, err = s.ReadLines(ctx, "logs/audit.ndjson")
		require.NoError(t, err)
		require.Len(t, lines, 3)
		for i, l := range lines {
			assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(l))
		}
	})
}

func TestAppend_ConcurrentNoLoss(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s BlobStore) {
		ctx := context.Background()
		const writers, perWriter = 8, 25

		var wg sync.WaitGroup
		for w := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range perWriter {
					assert.NoError(t, s.Append(ctx, "logs/metering.ndjson", fmt.Appendf(nil, `{"w":%d,"i":%d}`, w, i)))
				}
			}()
		}
		wg.Wait()

		lines, err := s.ReadLines(ctx, "logs/metering.ndjson")
		require.NoError(t, err)
		assert.Len(t, lines, writers*perWriter)
	})
}

func TestFSStore_RejectsEscapingKeys(t *testing.T) {
	s := newFSStore(t)
	err := s.Put(context.Background(), "../outside", []byte("x"))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
}

func TestFSStore_RejectsMultilineAppend(t *testing.T) {
	s := newFSStore(t)
	err := s.Append(context.Background(), "logs/audit.ndjson", []byte("a\nb"))
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
}

func TestLibSQLStore_MigrateIdempotent(t *testing.T) {
	s, err := NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))

	v, err := schemaVersion(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
	assert.NoError(t, s.Vacuum(ctx))
}

func TestSplitStatements(t *testing.T) {
	script := "-- header\nCREATE TABLE a (x INT);\n\n-- only a comment\n;\nCREATE INDEX i ON a(x);"
	stmts := splitStatements(script)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Equal(t, "CREATE INDEX i ON a(x)", stmts[1])
}

func TestLayout(t *testing.T) {
	l := Layout{}
	assert.Equal(t, "runs/r1", l.RunPath("r1"))
	assert.Equal(t, "runs/r1/steps/s1", l.StepPath("r1", "s1"))
	assert.Equal(t, "artifacts/a1", l.ArtifactPath("a1"))
	assert.Equal(t, "runs/r1/checkpoints/e1.json", l.CheckpointPath("r1", "e1"))
	assert.Equal(t, "index/runs_index.json", l.IndexPath(RunsIndexFile))
	assert.Equal(t, "logs/audit.ndjson", Key(l.LogsPath(), AuditLogFile))

	rooted := Layout{Root: "data"}
	assert.Equal(t, "data/runs/r1/run.json", Key(rooted.RunPath("r1"), RunFile))
}

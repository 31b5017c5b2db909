package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"
)

// LibSQLStore implements BlobStore on libSQL (embedded SQLite fork).
// Values live in the blobs table, append logs in log_lines.
type LibSQLStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ BlobStore = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/playbook.db".
// Call Migrate before first use.
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// A single connection serializes writers, which keeps appends ordered.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *LibSQLStore) Put(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return storeErr("put", key, errors.New("empty key"))
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (key, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		key, blobOrEmpty(data), s.now(),
	)
	if err != nil {
		return storeErr("put", key, err)
	}
	return nil
}

func (s *LibSQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, storeErr("get", key, err)
	}
	return blobOrEmpty(data), nil
}

func (s *LibSQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, key); err != nil {
		return storeErr("delete", key, err)
	}
	return nil
}

func (s *LibSQLStore) Append(ctx context.Context, key string, line []byte) error {
	if key == "" {
		return storeErr("append", key, errors.New("empty key"))
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO log_lines (log_key, line, created_at) VALUES (?, ?, ?)`,
		key, blobOrEmpty(line), s.now(),
	)
	if err != nil {
		return storeErr("append", key, err)
	}
	return nil
}

func (s *LibSQLStore) ReadLines(ctx context.Context, key string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT line FROM log_lines WHERE log_key = ? ORDER BY id`, key,
	)
	if err != nil {
		return nil, storeErr("read", key, err)
	}
	defer rows.Close()

	var lines [][]byte
	for rows.Next() {
		var line []byte
		if err := rows.Scan(&line); err != nil {
			return nil, storeErr("read", key, err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("read", key, err)
	}
	return lines, nil
}

// --- Helpers ---

// blobOrEmpty keeps empty values distinct from NULL.
func blobOrEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

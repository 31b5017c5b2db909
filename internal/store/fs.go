package store

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// maxLineSize bounds a single append-log line when reading back.
const maxLineSize = 4 << 20

// FSStore implements BlobStore on a directory tree, one file per key.
type FSStore struct {
	root string

	// appendMu serializes appends per log key.
	appendMu sync.Map // key -> *sync.Mutex
}

var _ BlobStore = (*FSStore)(nil)

// NewFSStore creates the root directory if needed and returns a store rooted there.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, fmt.Errorf("fs store: empty root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("fs store: create root: %w", err)
	}
	return &FSStore{root: root}, nil
}

// Root returns the directory the store writes to.
func (s *FSStore) Root() string { return s.root }

// Close is a no-op; files are closed after every operation.
func (s *FSStore) Close() error { return nil }

func (s *FSStore) resolve(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Put writes to a temp file in the same directory and renames it into place.
func (s *FSStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.resolve(key)
	if err != nil {
		return storeErr("put", key, err)
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return storeErr("put", key, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return storeErr("put", key, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return storeErr("put", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return storeErr("put", key, err)
	}
	if err := tmp.Close(); err != nil {
		return storeErr("put", key, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		return storeErr("put", key, err)
	}
	return nil
}

func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.resolve(key)
	if err != nil {
		return nil, storeErr("get", key, err)
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, storeErr("get", key, err)
	}
	return data, nil
}

func (s *FSStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.resolve(key)
	if err != nil {
		return storeErr("delete", key, err)
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return storeErr("delete", key, err)
	}
	return nil
}

func (s *FSStore) lockFor(key string) *sync.Mutex {
	mu, _ := s.appendMu.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Append writes line plus a newline in a single write and fsyncs.
func (s *FSStore) Append(ctx context.Context, key string, line []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if bytes.ContainsRune(line, '\n') {
		return storeErr("append", key, fmt.Errorf("line contains a newline"))
	}
	p, err := s.resolve(key)
	if err != nil {
		return storeErr("append", key, err)
	}

	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return storeErr("append", key, err)
	}
	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return storeErr("append", key, err)
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return storeErr("append", key, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return storeErr("append", key, err)
	}
	if err := f.Close(); err != nil {
		return storeErr("append", key, err)
	}
	return nil
}

func (s *FSStore) ReadLines(ctx context.Context, key string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.resolve(key)
	if err != nil {
		return nil, storeErr("read", key, err)
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("read", key, err)
	}
	defer f.Close()

	var lines [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		lines = append(lines, bytes.Clone(sc.Bytes()))
	}
	if err := sc.Err(); err != nil {
		return nil, storeErr("read", key, err)
	}
	return lines, nil
}

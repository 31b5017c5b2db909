package store

import (
	"context"

	"github.com/rendis/playbook/pkg/schema"
)

// BlobStore is the opaque key/value and append-log layer the control plane
// persists through. Keys are slash-separated paths allocated by Layout.
// All implementations must be safe for concurrent use.
type BlobStore interface {
	// Put replaces the value at key. A reader never observes a partial value.
	Put(ctx context.Context, key string, data []byte) error
	// Get returns the value at key or a NOT_FOUND error.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Append adds one line to the log at key. Appends to the same key are
	// serialized and never lost.
	Append(ctx context.Context, key string, line []byte) error
	// ReadLines returns every line of the log at key in append order.
	// A missing log yields no lines.
	ReadLines(ctx context.Context, key string) ([][]byte, error)

	// Lifecycle
	Close() error
}

func notFound(key string) *schema.PlaybookError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "key %q not found", key)
}

func storeErr(op, key string, err error) *schema.PlaybookError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s %q: %s", op, key, err.Error()).WithCause(err)
}

// Package storage provides access to the remote object store that holds
// the authoritative copy of every project's files. Object keys are
// path-like: "projects/<sandboxID>/<path/to/file>".
package storage

import (
	"context"
)

// Object describes one stored object.
type Object struct {
	Key  string `json:"key"`
	Size int64  `json:"size,omitempty"`
}

// Store is the remote object store boundary. Implementations must be
// safe for concurrent use.
type Store interface {
	// List returns every object whose key belongs to the sandbox.
	List(ctx context.Context, sandboxID string) ([]Object, error)

	// Fetch returns the content of one object.
	Fetch(ctx context.Context, fileID string) (string, error)

	// Put stores content under fileID, overwriting any previous value.
	Put(ctx context.Context, fileID string, content string) error

	// Delete removes one object. Deleting a missing object is not an error.
	Delete(ctx context.Context, fileID string) error

	// Rename moves an object to a new key.
	Rename(ctx context.Context, fileID, newFileID string) error

	// DeleteFolder removes every object under the given key prefix.
	DeleteFolder(ctx context.Context, folderID string) error
}

// Package qart provides access to the remote object store holding models,
// inputs, outputs and logs.
package qart

import (
	"context"
	"time"
)

// Object describes a stored object.
type Object struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	ETag         string            `json:"etag,omitempty"`
	ContentType  string            `json:"content_type,omitempty"`
	LastModified time.Time         `json:"last_modified"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Store defines the operations the sync engine issues against remote storage.
// Transfer mechanics (multipart, checksums, client-side retries) belong to the
// implementation.
type Store interface {
	// Stat returns the object's metadata, or ErrNotFound.
	Stat(ctx context.Context, key string) (*Object, error)

	// List lists every object under prefix, recursively.
	List(ctx context.Context, prefix string) ([]Object, error)

	// Download writes the object at key to the local file path, creating
	// parent directories as needed.
	Download(ctx context.Context, key, path string) error

	// Upload stores the local file at path under key.
	Upload(ctx context.Context, key, path, contentType string, metadata map[string]string) (*Object, error)
}

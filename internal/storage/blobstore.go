package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a named object does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Name        string `json:"name"`
	ID          string `json:"id"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

// BlobStore is the named-object storage the render pipeline reads chunk
// artifacts from and writes them to.
type BlobStore interface {
	// Exists reports whether name is stored, with its metadata when it is.
	Exists(ctx context.Context, name string) (bool, *ObjectInfo, error)

	// Download writes the object to localPath, replacing any existing file.
	Download(ctx context.Context, name, localPath string) error

	// Upload stores the file at localPath under name, overwriting.
	Upload(ctx context.Context, localPath, name string) (*ObjectInfo, error)

	Delete(ctx context.Context, name string) error

	// List returns every object whose name contains pattern.
	List(ctx context.Context, pattern string) ([]ObjectInfo, error)
}

// PublicURLer is implemented by stores whose objects are reachable over HTTP.
type PublicURLer interface {
	GetPublicURL(name string) string
}

// Package coldstore exports archived ledger partitions to object storage as
// snappy-compressed JSON lines.
package coldstore

import (
	"context"
	"errors"
	"io"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
)

// ObjectStore is the minimal object storage the exporter writes to.
type ObjectStore interface {
	// Put stores body under key, replacing any existing object.
	Put(ctx context.Context, key string, body []byte) error
	// Open returns the object under key. Callers close the reader.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Location renders key as a URI for logs and the partition catalog.
	Location(key string) string
}

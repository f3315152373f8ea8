// Package blobstore wraps the remote object storage service behind a small
// get/put/delete/move interface with presigned URL issuance.
package blobstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist. Delete treats a
// missing key as already removed.
var ErrNotFound = errors.New("blobstore: object not found")

// Object is a fetched blob. Callers must close Body.
type Object struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
}

// Store is the object storage contract used by the pipeline. Put readers
// should be seekable (files or byte buffers) so transports that sign payloads
// can replay them.
type Store interface {
	Get(ctx context.Context, key string) (Object, error)
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
	Delete(ctx context.Context, key string) error
	Move(ctx context.Context, fromKey, toKey string) error
	Presign(ctx context.Context, key string, expiry time.Duration) (string, error)
}

package storage

import (
	"context"

	"github.com/kibshh/wallet-pass-service/backend/internal/errs"
)

// ErrBlobNotFound is returned by Get when nothing is stored at a path.
var ErrBlobNotFound = errs.New(errs.KindNotFound, "blob not found")

// BlobStore is durable object storage for templates and built bundles.
type BlobStore interface {
	// Put stores data at path, replacing any previous object.
	Put(ctx context.Context, path string, data []byte, contentType string) error
	// Get returns the object at path or ErrBlobNotFound.
	Get(ctx context.Context, path string) ([]byte, error)
}

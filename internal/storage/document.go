package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/kibshh/wallet-pass-service/backend/internal/errs"
)

// Snapshotter persists a whole state document. Every Save rewrites the
// document in full.
type Snapshotter interface {
	// Load decodes the stored document into v. It reports false when the
	// document does not exist yet.
	Load(v any) (bool, error)
	// Save encodes v and replaces the stored document atomically.
	Save(ctx context.Context, v any) error
}

// Document is a JSON file written via temp file and rename, so readers
// never observe a partially written document.
type Document struct {
	path         string
	buildBackoff func() backoff.BackOff
}

// DocumentOption customises a Document.
type DocumentOption func(*Document)

// WithBackoff overrides the retry policy used for writes.
func WithBackoff(factory func() backoff.BackOff) DocumentOption {
	return func(d *Document) {
		if factory != nil {
			d.buildBackoff = factory
		}
	}
}

// NewDocument returns a document stored at path.
func NewDocument(path string, opts ...DocumentOption) *Document {
	d := &Document{
		path: path,
		buildBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxElapsedTime = 2 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Path returns the file location of the document.
func (d *Document) Path() string {
	return d.path
}

func (d *Document) Load(v any) (bool, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, errs.Wrap(errs.KindPersistence, "read "+filepath.Base(d.path), err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, errs.Wrap(errs.KindPersistence, "decode "+filepath.Base(d.path), err)
	}
	return true, nil
}

func (d *Document) Save(ctx context.Context, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindPersistence, "encode "+filepath.Base(d.path), err)
	}

	b := backoff.WithContext(d.buildBackoff(), ctx)
	if err := backoff.Retry(func() error { return d.write(data) }, b); err != nil {
		return errs.Wrap(errs.KindPersistence, "write "+filepath.Base(d.path), err)
	}
	return nil
}

func (d *Document) write(data []byte) error {
	dir := filepath.Dir(d.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(d.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, d.path)
}

var _ Snapshotter = (*Document)(nil)

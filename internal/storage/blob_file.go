package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kibshh/wallet-pass-service/backend/internal/errs"
)

var errInvalidBlobPath = errs.New(errs.KindValidation, "invalid blob path")

// FileBlobStore stores objects as files below a root directory.
type FileBlobStore struct {
	root string
}

// NewFileBlobStore returns a store rooted at dir.
func NewFileBlobStore(dir string) *FileBlobStore {
	return &FileBlobStore{root: dir}
}

func (s *FileBlobStore) Put(_ context.Context, path string, data []byte, _ string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errs.Wrap(errs.KindUpstream, "put "+path, err)
	}

	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.Wrap(errs.KindUpstream, "put "+path, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return errs.Wrap(errs.KindUpstream, "put "+path, err)
	}
	return nil
}

func (s *FileBlobStore) Get(_ context.Context, path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrBlobNotFound
		}
		return nil, errs.Wrap(errs.KindUpstream, "get "+path, err)
	}
	return data, nil
}

// resolve maps an object path below root, rejecting traversal.
func (s *FileBlobStore) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(path))
	if clean == string(filepath.Separator) || strings.Contains(path, "..") {
		return "", errInvalidBlobPath
	}
	return filepath.Join(s.root, clean), nil
}

var _ BlobStore = (*FileBlobStore)(nil)

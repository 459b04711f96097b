package bundle

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kibshh/wallet-pass-service/backend/internal/errs"
	"github.com/kibshh/wallet-pass-service/backend/internal/logging"
	"github.com/kibshh/wallet-pass-service/backend/internal/metrics"
	"github.com/kibshh/wallet-pass-service/backend/internal/pass"
	"github.com/kibshh/wallet-pass-service/backend/internal/storage"
)

const (
	DefaultCacheSize    = 256
	DefaultGeneratedDir = "generated"
)

type cachedBundle struct {
	tag  int64
	data []byte
}

// serialState tracks the newest bundle stored for a serial.
type serialState struct {
	mu       sync.Mutex
	builtTag int64
	stale    bool // last rebuild failed; the stored object is outdated
}

// Service keeps built bundles in blob storage, fronted by an LRU cache.
type Service struct {
	builder      Builder
	blobs        storage.BlobStore
	cache        *lru.Cache[string, cachedBundle]
	generatedDir string

	mu     sync.Mutex
	states map[string]*serialState

	logger  *slog.Logger
	metrics *metrics.Metrics
}

type ServiceOption func(*Service)

func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logging.Component(logger, "bundle") }
}

func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithGeneratedDir sets the blob prefix for built bundles.
func WithGeneratedDir(dir string) ServiceOption {
	return func(s *Service) { s.generatedDir = dir }
}

func NewService(builder Builder, blobs storage.BlobStore, cacheSize int, opts ...ServiceOption) (*Service, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, cachedBundle](cacheSize)
	if err != nil {
		return nil, err
	}

	s := &Service{
		builder:      builder,
		blobs:        blobs,
		cache:        cache,
		generatedDir: DefaultGeneratedDir,
		states:       make(map[string]*serialState),
		logger:       logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// BlobPath returns where the bundle for serial is stored.
func (s *Service) BlobPath(serial string) string {
	return path.Join(s.generatedDir, serial+".pkpass")
}

// Rebuild builds and stores the bundle for rec. On failure the serial is
// marked stale so the next Load builds again.
func (s *Service) Rebuild(ctx context.Context, rec pass.Record) ([]byte, error) {
	st := s.state(rec.Serial)
	st.mu.Lock()
	defer st.mu.Unlock()

	return s.rebuildLocked(ctx, st, rec)
}

// Load returns the bundle for rec: cached if the cache holds this change
// tag, otherwise the stored object, otherwise a fresh build.
func (s *Service) Load(ctx context.Context, rec pass.Record) ([]byte, error) {
	st := s.state(rec.Serial)
	st.mu.Lock()
	defer st.mu.Unlock()

	if cached, ok := s.cache.Get(rec.Serial); ok && cached.tag == rec.LastUpdated {
		return cached.data, nil
	}

	outdated := st.builtTag != 0 && st.builtTag < rec.LastUpdated
	if !st.stale && !outdated {
		data, err := s.blobs.Get(ctx, s.BlobPath(rec.Serial))
		switch {
		case err == nil:
			s.cache.Add(rec.Serial, cachedBundle{tag: rec.LastUpdated, data: data})
			return data, nil
		case !errors.Is(err, storage.ErrBlobNotFound):
			s.logger.Warn("stored bundle unavailable, rebuilding", "serial", rec.Serial, "error", err)
		}
	}

	return s.rebuildLocked(ctx, st, rec)
}

// IsStale reports whether the last rebuild of serial failed.
func (s *Service) IsStale(serial string) bool {
	st := s.state(serial)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.stale
}

func (s *Service) rebuildLocked(ctx context.Context, st *serialState, rec pass.Record) ([]byte, error) {
	// A newer version was already stored by a concurrent rebuild.
	if st.builtTag > rec.LastUpdated && !st.stale {
		if cached, ok := s.cache.Get(rec.Serial); ok && cached.tag == st.builtTag {
			return cached.data, nil
		}
		if data, err := s.blobs.Get(ctx, s.BlobPath(rec.Serial)); err == nil {
			return data, nil
		}
	}

	data, err := s.builder.Build(ctx, rec)
	if err == nil {
		err = s.blobs.Put(ctx, s.BlobPath(rec.Serial), data, ContentType)
	}
	if err != nil {
		st.stale = true
		s.cache.Remove(rec.Serial)
		s.metrics.IncBundleBuild("failed")
		s.logger.Error("bundle build failed", "serial", rec.Serial, "tag", rec.LastUpdated, "error", err)
		return nil, errs.Wrap(errs.KindUpstream, "rebuild bundle", err)
	}

	st.stale = false
	if rec.LastUpdated > st.builtTag {
		st.builtTag = rec.LastUpdated
	}
	s.cache.Add(rec.Serial, cachedBundle{tag: rec.LastUpdated, data: data})
	s.metrics.IncBundleBuild("ok")
	s.logger.Debug("bundle built", "serial", rec.Serial, "tag", rec.LastUpdated, "bytes", len(data))
	return data, nil
}

func (s *Service) state(serial string) *serialState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[serial]
	if !ok {
		st = &serialState{}
		s.states[serial] = st
	}
	return st
}

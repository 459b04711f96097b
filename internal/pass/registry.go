package pass

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kibshh/wallet-pass-service/backend/internal/logging"
	"github.com/kibshh/wallet-pass-service/backend/internal/metrics"
	"github.com/kibshh/wallet-pass-service/backend/internal/storage"
)

// Reader gives read access to pass records.
type Reader interface {
	Get(serial string) (Record, bool)
}

// Registry is the authoritative store of pass records. Mutations of one
// serial are serialized; different serials proceed independently. Every
// change is written to the backing document before it is reported.
type Registry struct {
	mu      sync.RWMutex
	records map[string]Record
	locks   map[string]*sync.Mutex

	persistMu sync.Mutex
	doc       storage.Snapshotter

	clock   *Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logging.Component(logger, "pass_registry") }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates a registry persisting to doc. A nil doc keeps the
// registry in memory only.
func NewRegistry(doc storage.Snapshotter, clock *Clock, opts ...RegistryOption) *Registry {
	if clock == nil {
		clock = NewClock(nil)
	}
	r := &Registry{
		records: make(map[string]Record),
		locks:   make(map[string]*sync.Mutex),
		doc:     doc,
		clock:   clock,
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load replaces the in-memory records with the persisted document and
// advances the clock past every loaded tag.
func (r *Registry) Load() error {
	if r.doc == nil {
		return nil
	}
	stored := make(map[string]Record)
	found, err := r.doc.Load(&stored)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]Record, len(stored))
	for serial, rec := range stored {
		rec.Serial = serial
		r.records[serial] = rec
		r.clock.Observe(rec.LastUpdated)
	}
	if found {
		r.logger.Info("pass records loaded", "count", len(r.records), "tag", r.clock.Current())
	}
	return nil
}

// Create inserts a new record. It fails with ErrAlreadyExists when the
// serial is taken, leaving the existing record untouched.
func (r *Registry) Create(ctx context.Context, rec Record) (Record, error) {
	if rec.Serial == "" {
		return Record{}, ErrSerialRequired
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	if _, exists := r.records[rec.Serial]; exists {
		r.mu.Unlock()
		return Record{}, ErrAlreadyExists
	}
	rec.LastUpdated = r.clock.Next()
	r.records[rec.Serial] = rec
	r.mu.Unlock()

	if err := r.persist(ctx); err != nil {
		r.mu.Lock()
		delete(r.records, rec.Serial)
		r.mu.Unlock()
		r.repair(ctx)
		return Record{}, err
	}
	return rec, nil
}

// Mutate applies fn to the payload of serial and assigns a fresh change
// tag. If fn fails or the write fails, the record keeps its previous state.
func (r *Registry) Mutate(ctx context.Context, serial string, fn func(*Payload) error) (Record, error) {
	lock := r.lockFor(serial)
	if lock == nil {
		return Record{}, ErrNotFound
	}
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	prev, ok := r.records[serial]
	r.mu.RUnlock()
	if !ok {
		return Record{}, ErrNotFound
	}

	next := prev
	if err := fn(&next.Payload); err != nil {
		return Record{}, err
	}
	next.LastUpdated = r.clock.Next()

	r.mu.Lock()
	r.records[serial] = next
	r.mu.Unlock()

	if err := r.persist(ctx); err != nil {
		r.mu.Lock()
		r.records[serial] = prev
		r.mu.Unlock()
		r.repair(ctx)
		return Record{}, err
	}
	return next, nil
}

// Remove deletes a record. It exists only to roll back a create whose
// bundle could not be built.
func (r *Registry) Remove(ctx context.Context, serial string) error {
	lock := r.lockFor(serial)
	if lock == nil {
		return ErrNotFound
	}
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	delete(r.records, serial)
	delete(r.locks, serial)
	r.mu.Unlock()

	return r.persist(ctx)
}

func (r *Registry) Get(serial string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[serial]
	return rec, ok
}

// CurrentTag returns the global change tag.
func (r *Registry) CurrentTag() int64 {
	return r.clock.Current()
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func (r *Registry) lockFor(serial string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[serial]; !ok {
		return nil
	}
	l, ok := r.locks[serial]
	if !ok {
		l = &sync.Mutex{}
		r.locks[serial] = l
	}
	return l
}

// persist writes a snapshot of the current state. Snapshots are taken
// under persistMu so the last completed write always holds the newest state.
func (r *Registry) persist(ctx context.Context) error {
	if r.doc == nil {
		return nil
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.RLock()
	snapshot := make(map[string]Record, len(r.records))
	for serial, rec := range r.records {
		snapshot[serial] = rec
	}
	r.mu.RUnlock()

	if err := r.doc.Save(ctx, snapshot); err != nil {
		r.metrics.IncPersistFailure("passes")
		r.logger.Error("pass records not persisted", "error", err)
		return err
	}
	return nil
}

// repair rewrites the document after a rollback, in case a concurrent
// write captured the reverted state.
func (r *Registry) repair(ctx context.Context) {
	_ = r.persist(ctx)
}

package catalog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kibshh/wallet-pass-service/backend/internal/async"
	"github.com/kibshh/wallet-pass-service/backend/internal/logging"
	"github.com/kibshh/wallet-pass-service/backend/internal/metrics"
	"github.com/kibshh/wallet-pass-service/backend/internal/pass"
)

const defaultMirrorTimeout = 5 * time.Second

// Mirror pushes records to a Sink in the background. Failures are logged
// and counted, never returned to the caller. Writes for one serial run one
// at a time in tag order; a record superseded while waiting is skipped.
type Mirror struct {
	sink    Sink
	timeout time.Duration
	wg      sync.WaitGroup
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending map[string]*pass.Record // serial -> next record; key present while a writer runs
}

func NewMirror(sink Sink, logger *slog.Logger, m *metrics.Metrics) *Mirror {
	if sink == nil {
		sink = NopSink{}
	}
	return &Mirror{
		sink:    sink,
		timeout: defaultMirrorTimeout,
		pending: make(map[string]*pass.Record),
		logger:  logging.Component(logger, "catalog"),
		metrics: m,
	}
}

// Submit schedules an upsert of rec.
func (m *Mirror) Submit(rec pass.Record) {
	m.mu.Lock()
	if next, running := m.pending[rec.Serial]; running {
		if next == nil || next.LastUpdated < rec.LastUpdated {
			m.pending[rec.Serial] = &rec
		}
		m.mu.Unlock()
		return
	}
	m.pending[rec.Serial] = nil
	m.wg.Add(1)
	m.mu.Unlock()

	async.Go(m.logger, "catalog.upsert", func() {
		defer m.wg.Done()
		finished := false
		defer func() {
			// a panicking sink must not wedge the serial
			if !finished {
				m.mu.Lock()
				delete(m.pending, rec.Serial)
				m.mu.Unlock()
			}
		}()
		for {
			m.upsert(rec)

			m.mu.Lock()
			next := m.pending[rec.Serial]
			if next == nil || next.LastUpdated <= rec.LastUpdated {
				delete(m.pending, rec.Serial)
				m.mu.Unlock()
				finished = true
				return
			}
			m.pending[rec.Serial] = nil
			m.mu.Unlock()
			rec = *next
		}
	})
}

func (m *Mirror) upsert(rec pass.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.sink.Upsert(ctx, rec); err != nil {
		m.metrics.IncCatalogFailure()
		m.logger.Warn("catalog upsert failed", "serial", rec.Serial, "tag", rec.LastUpdated, "error", err)
	}
}

// Wait blocks until every submitted upsert has finished.
func (m *Mirror) Wait() {
	m.wg.Wait()
}

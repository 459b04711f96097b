package push

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kibshh/wallet-pass-service/backend/internal/async"
	"github.com/kibshh/wallet-pass-service/backend/internal/logging"
	"github.com/kibshh/wallet-pass-service/backend/internal/metrics"
)

const (
	DefaultQueueSize    = 1024
	DefaultQueueWorkers = 4

	notifyTimeout = 30 * time.Second
)

// Notifier sends change notifications for a serial.
type Notifier interface {
	NotifyChanged(ctx context.Context, serial string) []Outcome
}

// Queue decouples change notifications from the request that caused
// them. Entries are processed by a fixed set of workers.
type Queue struct {
	notifier Notifier
	ch       chan string
	workers  int

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewQueue(notifier Notifier, size, workers int, logger *slog.Logger, m *metrics.Metrics) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if workers <= 0 {
		workers = DefaultQueueWorkers
	}
	return &Queue{
		notifier: notifier,
		ch:       make(chan string, size),
		workers:  workers,
		logger:   logging.Component(logger, "push_queue"),
		metrics:  m,
	}
}

// Start launches the workers. ctx bounds every notification sent.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		async.Go(q.logger, "push.worker", func() {
			defer q.wg.Done()
			for serial := range q.ch {
				q.metrics.SetQueueDepth(len(q.ch))
				q.process(ctx, serial)
			}
		})
	}
	q.logger.Info("push queue started", "workers", q.workers, "capacity", cap(q.ch))
}

// Enqueue schedules a change notification. It never blocks: when the
// buffer is full the entry is dropped and false returned.
func (q *Queue) Enqueue(serial string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return false
	}
	select {
	case q.ch <- serial:
		q.metrics.SetQueueDepth(len(q.ch))
		return true
	default:
		q.metrics.IncQueueDropped()
		q.logger.Warn("push queue full, notification dropped", "serial", serial)
		return false
	}
}

// Stop refuses new entries and waits for queued ones to drain or ctx to end.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) process(ctx context.Context, serial string) {
	defer async.Recover(q.logger, "push.notify")

	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	outcomes := q.notifier.NotifyChanged(ctx, serial)
	sent, failed, noToken := 0, 0, 0
	for _, o := range outcomes {
		switch o.Status {
		case StatusSent:
			sent++
		case StatusFailed:
			failed++
		case StatusNoToken:
			noToken++
		}
	}
	q.logger.Info("change notification dispatched",
		"serial", serial,
		"devices", len(outcomes),
		"sent", sent,
		"failed", failed,
		"no_token", noToken,
	)
}

package catalog

import (
	"context"
	"sync"

	"github.com/kibshh/wallet-pass-service/backend/internal/pass"
)

// MemorySink stores the latest record per serial in memory (development/testing use)
type MemorySink struct {
	mu      sync.Mutex
	records map[string]pass.Record
	upserts int
}

func NewMemorySink() *MemorySink {
	return &MemorySink{records: make(map[string]pass.Record)}
}

func (s *MemorySink) Upsert(_ context.Context, rec pass.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.records[rec.Serial]; ok && cur.LastUpdated > rec.LastUpdated {
		return nil
	}
	s.records[rec.Serial] = rec
	s.upserts++
	return nil
}

// Get returns the mirrored record for serial (for testing/inspection)
func (s *MemorySink) Get(serial string) (pass.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[serial]
	return rec, ok
}

// Count returns the number of accepted upserts
func (s *MemorySink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts
}

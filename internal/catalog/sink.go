package catalog

import (
	"context"

	"github.com/kibshh/wallet-pass-service/backend/internal/pass"
)

// Sink mirrors pass records into an external catalog (sink pattern).
// A sink only receives records; the registry stays authoritative.
type Sink interface {
	// Upsert inserts or replaces the catalog row for rec.Serial.
	Upsert(ctx context.Context, rec pass.Record) error
}

// NopSink discards records. Used when no catalog is configured.
type NopSink struct{}

func (NopSink) Upsert(context.Context, pass.Record) error { return nil }

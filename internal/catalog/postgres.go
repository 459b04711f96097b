package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kibshh/wallet-pass-service/backend/internal/errs"
	"github.com/kibshh/wallet-pass-service/backend/internal/pass"
)

// pool abstracts the subset of pgxpool.Pool used by the sink for easier testing.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS passes (
    serial_number        TEXT PRIMARY KEY,
    pass_type_identifier TEXT NOT NULL,
    auth_token           TEXT NOT NULL,
    last_updated_tag     BIGINT NOT NULL,
    payload              JSONB NOT NULL,
    organization_id      TEXT,
    updated_at           TIMESTAMPTZ NOT NULL
)`

const upsertSQL = `
INSERT INTO passes (
    serial_number,
    pass_type_identifier,
    auth_token,
    last_updated_tag,
    payload,
    organization_id,
    updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (serial_number) DO UPDATE SET
    pass_type_identifier = EXCLUDED.pass_type_identifier,
    auth_token = EXCLUDED.auth_token,
    last_updated_tag = EXCLUDED.last_updated_tag,
    payload = EXCLUDED.payload,
    organization_id = EXCLUDED.organization_id,
    updated_at = EXCLUDED.updated_at
WHERE passes.last_updated_tag < EXCLUDED.last_updated_tag`

// PostgresSink mirrors records into the passes table.
type PostgresSink struct {
	pool           pool
	passTypeID     string
	organizationID string
	now            func() time.Time
}

var _ Sink = (*PostgresSink)(nil)

// NewPostgresSink builds a sink backed by the provided connection pool.
func NewPostgresSink(pool pool, passTypeID, organizationID string) (*PostgresSink, error) {
	if pool == nil {
		return nil, errors.New("postgres sink requires pool")
	}
	return &PostgresSink{
		pool:           pool,
		passTypeID:     passTypeID,
		organizationID: organizationID,
		now:            time.Now,
	}, nil
}

// EnsureSchema creates the passes table when it does not exist.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return errs.Wrap(errs.KindUpstream, "create passes table", err)
	}
	return nil
}

// Upsert writes rec unless the row already holds a newer change tag.
func (s *PostgresSink) Upsert(ctx context.Context, rec pass.Record) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "encode payload", err)
	}

	var org any
	if s.organizationID != "" {
		org = s.organizationID
	}

	_, err = s.pool.Exec(ctx, upsertSQL,
		rec.Serial,
		s.passTypeID,
		rec.AuthToken,
		rec.LastUpdated,
		payload,
		org,
		s.now().UTC(),
	)
	if err != nil {
		return errs.Wrap(errs.KindUpstream, "upsert pass "+rec.Serial, err)
	}
	return nil
}

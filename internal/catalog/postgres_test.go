package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/kibshh/wallet-pass-service/backend/internal/errs"
	"github.com/kibshh/wallet-pass-service/backend/internal/pass"
)

// payloadArg matches the JSON encoded payload column.
type payloadArg struct{ want pass.Payload }

func (a payloadArg) Match(v any) bool {
	raw, ok := v.([]byte)
	if !ok {
		return false
	}
	var got pass.Payload
	return json.Unmarshal(raw, &got) == nil && got == a.want
}

func TestPostgresUpsertWritesRow(t *testing.T) {
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer pool.Close()

	sink, err := NewPostgresSink(pool, "pass.com.example.loyalty", "org-1")
	require.NoError(t, err)

	rec := pass.Record{
		Serial:      "S1",
		AuthToken:   "T1",
		Payload:     pass.Payload{Points: 40, Tier: "Silver", Member: "M1"},
		LastUpdated: 1700000000123456,
	}

	pool.ExpectExec("INSERT INTO passes").WithArgs(
		"S1",
		"pass.com.example.loyalty",
		"T1",
		int64(1700000000123456),
		payloadArg{want: rec.Payload},
		"org-1",
		pgxmock.AnyArg(),
	).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, sink.Upsert(context.Background(), rec))
	require.NoError(t, pool.ExpectationsWereMet())
}

func TestPostgresUpsertWithoutOrganizationWritesNull(t *testing.T) {
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer pool.Close()

	sink, err := NewPostgresSink(pool, "pass.com.example.loyalty", "")
	require.NoError(t, err)

	pool.ExpectExec("INSERT INTO passes").WithArgs(
		"S2", "pass.com.example.loyalty", "T2", int64(7),
		pgxmock.AnyArg(), nil, pgxmock.AnyArg(),
	).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, sink.Upsert(context.Background(), pass.Record{Serial: "S2", AuthToken: "T2", LastUpdated: 7}))
	require.NoError(t, pool.ExpectationsWereMet())
}

func TestPostgresUpsertSkipsOlderTag(t *testing.T) {
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer pool.Close()

	sink, err := NewPostgresSink(pool, "pass.com.example.loyalty", "")
	require.NoError(t, err)

	// A row holding a newer tag leaves nothing to update.
	pool.ExpectExec(regexp.QuoteMeta("WHERE passes.last_updated_tag < EXCLUDED.last_updated_tag")).
		WithArgs("S1", "pass.com.example.loyalty", "T1", int64(1), pgxmock.AnyArg(), nil, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, sink.Upsert(context.Background(), pass.Record{Serial: "S1", AuthToken: "T1", LastUpdated: 1}))
	require.NoError(t, pool.ExpectationsWereMet())
}

func TestPostgresUpsertFailureIsUpstream(t *testing.T) {
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer pool.Close()

	sink, err := NewPostgresSink(pool, "pass.com.example.loyalty", "")
	require.NoError(t, err)

	pool.ExpectExec("INSERT INTO passes").WillReturnError(errors.New("connection refused"))

	err = sink.Upsert(context.Background(), pass.Record{Serial: "S1"})
	require.Equal(t, errs.KindUpstream, errs.KindOf(err))
	require.NoError(t, pool.ExpectationsWereMet())
}

func TestPostgresEnsureSchema(t *testing.T) {
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer pool.Close()

	sink, err := NewPostgresSink(pool, "pass.com.example.loyalty", "")
	require.NoError(t, err)

	pool.ExpectExec("CREATE TABLE IF NOT EXISTS passes").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, sink.EnsureSchema(context.Background()))
	require.NoError(t, pool.ExpectationsWereMet())
}

func TestNewPostgresSinkRequiresPool(t *testing.T) {
	_, err := NewPostgresSink(nil, "pass.com.example.loyalty", "")
	require.Error(t, err)
}

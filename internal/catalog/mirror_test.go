package catalog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/kibshh/wallet-pass-service/backend/internal/logging"
	"github.com/kibshh/wallet-pass-service/backend/internal/metrics"
	"github.com/kibshh/wallet-pass-service/backend/internal/pass"
)

// overwritingSink keeps whatever arrives last, like a table without a tag
// guard. The first write blocks until release is closed.
type overwritingSink struct {
	mu      sync.Mutex
	records map[string]pass.Record
	order   []int64
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newOverwritingSink() *overwritingSink {
	return &overwritingSink{
		records: make(map[string]pass.Record),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *overwritingSink) Upsert(_ context.Context, rec pass.Record) error {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.started)
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Serial] = rec
	s.order = append(s.order, rec.LastUpdated)
	return nil
}

type failingSink struct{}

func (failingSink) Upsert(context.Context, pass.Record) error { return errors.New("catalog down") }

func TestMirrorSubmitsInBackground(t *testing.T) {
	sink := NewMemorySink()
	m := NewMirror(sink, logging.Discard(), nil)

	m.Submit(pass.Record{Serial: "S1", LastUpdated: 2, Payload: pass.Payload{Points: 5}})
	m.Submit(pass.Record{Serial: "S2", LastUpdated: 3})
	m.Wait()

	rec, ok := sink.Get("S1")
	require.True(t, ok)
	require.Equal(t, 5, rec.Payload.Points)
	require.Equal(t, 2, sink.Count())
}

func TestMirrorWritesOneSerialInTagOrder(t *testing.T) {
	sink := newOverwritingSink()
	m := NewMirror(sink, logging.Discard(), nil)

	m.Submit(pass.Record{Serial: "S1", LastUpdated: 1, Payload: pass.Payload{Points: 10}})
	<-sink.started
	m.Submit(pass.Record{Serial: "S1", LastUpdated: 3, Payload: pass.Payload{Points: 30}})
	m.Submit(pass.Record{Serial: "S1", LastUpdated: 2, Payload: pass.Payload{Points: 20}})
	close(sink.release)
	m.Wait()

	require.Equal(t, int64(3), sink.records["S1"].LastUpdated)
	require.Equal(t, 30, sink.records["S1"].Payload.Points)
	require.Equal(t, []int64{1, 3}, sink.order)

	// The serial is free again once the writer has drained.
	m.Submit(pass.Record{Serial: "S1", LastUpdated: 4})
	m.Wait()
	require.Equal(t, int64(4), sink.records["S1"].LastUpdated)
}

type panickingSink struct{ calls int }

func (s *panickingSink) Upsert(context.Context, pass.Record) error {
	s.calls++
	if s.calls == 1 {
		panic("driver bug")
	}
	return nil
}

func TestMirrorRecoversFromPanickingSink(t *testing.T) {
	sink := &panickingSink{}
	m := NewMirror(sink, logging.Discard(), nil)

	m.Submit(pass.Record{Serial: "S1", LastUpdated: 1})
	m.Wait()
	m.Submit(pass.Record{Serial: "S1", LastUpdated: 2})
	m.Wait()

	require.Equal(t, 2, sink.calls)
}

func TestMemorySinkKeepsNewestRecord(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()
	require.NoError(t, sink.Upsert(ctx, pass.Record{Serial: "S1", LastUpdated: 9, Payload: pass.Payload{Points: 9}}))
	require.NoError(t, sink.Upsert(ctx, pass.Record{Serial: "S1", LastUpdated: 4, Payload: pass.Payload{Points: 4}}))

	rec, _ := sink.Get("S1")
	require.Equal(t, 9, rec.Payload.Points)
}

func TestMirrorCountsFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	mx := metrics.MustNewMetrics(reg)
	m := NewMirror(failingSink{}, logging.Discard(), mx)

	m.Submit(pass.Record{Serial: "S1"})
	m.Wait()

	expected := `
# HELP wallet_pass_catalog_upsert_failures_total Best-effort catalog upserts that failed.
# TYPE wallet_pass_catalog_upsert_failures_total counter
wallet_pass_catalog_upsert_failures_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "wallet_pass_catalog_upsert_failures_total"))
}

package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kibshh/wallet-pass-service/backend/internal/bundle"
	"github.com/kibshh/wallet-pass-service/backend/internal/catalog"
	"github.com/kibshh/wallet-pass-service/backend/internal/device"
	"github.com/kibshh/wallet-pass-service/backend/internal/errs"
	"github.com/kibshh/wallet-pass-service/backend/internal/logging"
	"github.com/kibshh/wallet-pass-service/backend/internal/pass"
	"github.com/kibshh/wallet-pass-service/backend/internal/push"
	"github.com/kibshh/wallet-pass-service/backend/internal/storage"
)

const passType = "pass.com.example.loyalty"

type stubBuilder struct {
	mu   sync.Mutex
	fail bool
}

func (b *stubBuilder) Build(_ context.Context, rec pass.Record) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return nil, errors.New("template missing")
	}
	return []byte("pkpass:" + rec.Serial), nil
}

func (b *stubBuilder) setFail(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = v
}

type stubGateway struct {
	mu     sync.Mutex
	tokens []string
}

func (g *stubGateway) Send(_ context.Context, token string, _ push.Notification) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tokens = append(g.tokens, token)
	return nil
}

type recordingQueue struct {
	mu      sync.Mutex
	serials []string
}

func (q *recordingQueue) Enqueue(serial string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.serials = append(q.serials, serial)
	return true
}

func (q *recordingQueue) queued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.serials...)
}

type fixture struct {
	coord   *Coordinator
	passes  *pass.Registry
	regs    *device.Store
	builder *stubBuilder
	bundles *bundle.Service
	gateway *stubGateway
	queue   *recordingQueue
	mirror  *catalog.Mirror
	sink    *catalog.MemorySink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		passes:  pass.NewRegistry(nil, nil),
		regs:    device.NewStore(nil, nil),
		builder: &stubBuilder{},
		gateway: &stubGateway{},
		queue:   &recordingQueue{},
		sink:    catalog.NewMemorySink(),
	}
	bundles, err := bundle.NewService(f.builder, storage.NewMemoryBlobStore(), 16)
	require.NoError(t, err)
	f.bundles = bundles
	f.mirror = catalog.NewMirror(f.sink, logging.Discard(), nil)

	f.coord = New(Deps{
		Authorizer:    pass.NewAuthorizer(passType, f.passes),
		Passes:        f.passes,
		Registrations: f.regs,
		Bundles:       f.bundles,
		Dispatcher:    push.NewDispatcher(f.gateway, f.regs, f.passes, passType),
		Queue:         f.queue,
		Mirror:        f.mirror,
		Logger:        logging.Discard(),
	})
	return f
}

func TestEndToEndCreateRegisterMutatePollPush(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.coord.CreatePass(ctx, CreateRequest{Serial: "S1", AuthToken: "T1"})
	require.NoError(t, err)

	res, err := f.coord.Register(ctx, "D1", passType, "S1", "ApplePass T1", "PT1")
	require.NoError(t, err)
	require.Equal(t, device.Created, res)

	_, err = f.coord.AddPoints(ctx, "S1", 25)
	require.NoError(t, err)
	require.Equal(t, []string{"S1"}, f.queue.queued())

	poll, err := f.coord.Poll(ctx, "D1", passType, "0")
	require.NoError(t, err)
	require.Equal(t, []string{"S1"}, poll.SerialNumbers)

	outcomes, err := f.coord.PushNow(ctx, "S1")
	require.NoError(t, err)
	require.Equal(t, []push.Outcome{{DeviceID: "D1", Status: push.StatusSent}}, outcomes)
	require.Equal(t, []string{"PT1"}, f.gateway.tokens)

	b, err := f.coord.FetchBundle(ctx, passType, "S1", "ApplePass T1")
	require.NoError(t, err)
	require.Equal(t, "pkpass:S1", string(b.Data))

	f.mirror.Wait()
	mirrored, ok := f.sink.Get("S1")
	require.True(t, ok)
	require.Equal(t, 25, mirrored.Payload.Points)
}

func TestEndToEndDuplicateCreateConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.coord.CreatePass(ctx, CreateRequest{Serial: "S2", Points: 10, Tier: "Gold", AuthToken: "T2"})
	require.NoError(t, err)

	_, err = f.coord.CreatePass(ctx, CreateRequest{Serial: "S2", Points: 99, AuthToken: "other"})
	require.Equal(t, errs.KindConflict, errs.KindOf(err))

	got, _ := f.passes.Get("S2")
	require.Equal(t, first.Payload, got.Payload)
	require.Equal(t, "T2", got.AuthToken)
}

func TestCreatePassDefaults(t *testing.T) {
	f := newFixture(t)

	rec, err := f.coord.CreatePass(context.Background(), CreateRequest{Serial: "S3"})
	require.NoError(t, err)
	require.Equal(t, pass.Payload{Points: 0, Tier: pass.DefaultTier, Member: "S3"}, rec.Payload)
	require.NotEmpty(t, rec.AuthToken)
	require.Positive(t, rec.LastUpdated)
}

func TestCreatePassRollsBackWhenBuildFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.builder.setFail(true)

	_, err := f.coord.CreatePass(ctx, CreateRequest{Serial: "S1", AuthToken: "T1"})
	require.Equal(t, errs.KindUpstream, errs.KindOf(err))
	_, ok := f.passes.Get("S1")
	require.False(t, ok)

	f.builder.setFail(false)
	_, err = f.coord.CreatePass(ctx, CreateRequest{Serial: "S1", AuthToken: "T1"})
	require.NoError(t, err)
}

func TestMutationWithFailedRebuildSendsNoPush(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.coord.CreatePass(ctx, CreateRequest{Serial: "S1", AuthToken: "T1"})
	require.NoError(t, err)

	f.builder.setFail(true)
	_, err = f.coord.UpdateTier(ctx, "S1", "Gold")
	require.Equal(t, errs.KindUpstream, errs.KindOf(err))
	require.Empty(t, f.queue.queued())

	got, _ := f.passes.Get("S1")
	require.Equal(t, "Gold", got.Payload.Tier)
	require.True(t, f.bundles.IsStale("S1"))

	f.builder.setFail(false)
	b, err := f.coord.FetchBundle(ctx, passType, "S1", "ApplePass T1")
	require.NoError(t, err)
	require.NotEmpty(t, b.Data)
	require.False(t, f.bundles.IsStale("S1"))
}

func TestMutationValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.coord.CreatePass(ctx, CreateRequest{Serial: "S1", Points: 5})
	require.NoError(t, err)

	_, err = f.coord.AddPoints(ctx, "S1", 0)
	require.ErrorIs(t, err, ErrZeroDelta)

	_, err = f.coord.AddPoints(ctx, "S1", -6)
	require.ErrorIs(t, err, ErrNegativeBalance)

	rec, err := f.coord.AddPoints(ctx, "S1", -5)
	require.NoError(t, err)
	require.Zero(t, rec.Payload.Points)

	_, err = f.coord.UpdateTier(ctx, "S1", "")
	require.ErrorIs(t, err, ErrTierRequired)

	_, err = f.coord.AddPoints(ctx, "missing", 1)
	require.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestRegisterRequiresAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.coord.CreatePass(ctx, CreateRequest{Serial: "S1", AuthToken: "T1"})
	require.NoError(t, err)

	_, err = f.coord.Register(ctx, "D1", passType, "S1", "ApplePass wrong", "PT1")
	require.Equal(t, errs.KindAuthorization, errs.KindOf(err))
	_, err = f.coord.Register(ctx, "D1", "pass.other", "S1", "ApplePass T1", "PT1")
	require.Equal(t, errs.KindAuthorization, errs.KindOf(err))
	_, err = f.coord.Register(ctx, "D1", passType, "S9", "ApplePass T1", "PT1")
	require.Equal(t, errs.KindNotFound, errs.KindOf(err))
	_, err = f.coord.Register(ctx, "D1", passType, "S1", "ApplePass T1", "")
	require.Equal(t, errs.KindValidation, errs.KindOf(err))

	require.Empty(t, f.regs.DevicesFor("S1"))

	res, err := f.coord.Register(ctx, "D1", passType, "S1", "ApplePass T1", "PT1")
	require.NoError(t, err)
	require.Equal(t, device.Created, res)
	res, err = f.coord.Register(ctx, "D1", passType, "S1", "ApplePass T1", "PT1")
	require.NoError(t, err)
	require.Equal(t, device.AlreadyRegistered, res)
	require.Len(t, f.regs.DevicesFor("S1"), 1)
}

func TestUnregister(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.coord.CreatePass(ctx, CreateRequest{Serial: "S1", AuthToken: "T1"})
	require.NoError(t, err)
	_, err = f.coord.Register(ctx, "D1", passType, "S1", "ApplePass T1", "PT1")
	require.NoError(t, err)

	require.Equal(t, errs.KindAuthorization, errs.KindOf(f.coord.Unregister(ctx, "D1", passType, "S1", "")))
	require.NoError(t, f.coord.Unregister(ctx, "D1", passType, "S1", "ApplePass T1"))

	err = f.coord.Unregister(ctx, "D1", passType, "S1", "ApplePass T1")
	require.Equal(t, errs.KindNotFound, errs.KindOf(err))
	require.Empty(t, f.regs.DevicesFor("S1"))
}

func TestPollWrongPassTypeIsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.Poll(context.Background(), "D1", "pass.other", "")
	require.ErrorIs(t, err, ErrPassTypeNotServed)
}

func TestSendTestPushErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.coord.SendTestPush(ctx, "missing")
	require.Equal(t, errs.KindNotFound, errs.KindOf(err))

	_, err = f.coord.CreatePass(ctx, CreateRequest{Serial: "S1"})
	require.NoError(t, err)
	_, err = f.coord.SendTestPush(ctx, "S1")
	require.ErrorIs(t, err, push.ErrNoDevices)

	_, err = f.coord.PushNow(ctx, "missing")
	require.ErrorIs(t, err, pass.ErrNotFound)
}

func TestDownloadBundle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec, err := f.coord.CreatePass(ctx, CreateRequest{Serial: "S1"})
	require.NoError(t, err)

	b, err := f.coord.DownloadBundle(ctx, "S1")
	require.NoError(t, err)
	require.Equal(t, "pkpass:S1", string(b.Data))
	require.Equal(t, rec.LastModified(), b.LastModified)

	_, err = f.coord.DownloadBundle(ctx, "S9")
	require.ErrorIs(t, err, pass.ErrNotFound)
}

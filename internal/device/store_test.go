package device

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kibshh/wallet-pass-service/backend/internal/errs"
	"github.com/kibshh/wallet-pass-service/backend/internal/storage"
)

type flakyDoc struct {
	mu   sync.Mutex
	fail bool
}

func (d *flakyDoc) Load(any) (bool, error) { return false, nil }

func (d *flakyDoc) Save(context.Context, any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return errs.Wrap(errs.KindPersistence, "write document", errors.New("read-only file system"))
	}
	return nil
}

func TestRegisterIsASet(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil, nil)

	res, err := s.Register(ctx, "D1", "S1", "P1")
	require.NoError(t, err)
	require.Equal(t, Created, res)

	res, err = s.Register(ctx, "D1", "S1", "P2")
	require.NoError(t, err)
	require.Equal(t, AlreadyRegistered, res)

	require.Equal(t, []string{"D1"}, s.DevicesFor("S1"))
	token, ok := s.PushTokenFor("D1")
	require.True(t, ok)
	require.Equal(t, "P2", token)
}

func TestRegisterRequiresPushToken(t *testing.T) {
	s := NewStore(nil, nil)

	_, err := s.Register(context.Background(), "D1", "S1", "")
	require.True(t, errors.Is(err, ErrMissingPushToken))
	require.Equal(t, errs.KindValidation, errs.KindOf(err))
	require.False(t, s.HasDevice("D1"))
	require.Empty(t, s.DevicesFor("S1"))
}

func TestUnregisterKeepsTokenAndOtherRegistrations(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil, nil)
	_, err := s.Register(ctx, "D1", "S1", "P1")
	require.NoError(t, err)
	_, err = s.Register(ctx, "D1", "S2", "P1")
	require.NoError(t, err)

	require.NoError(t, s.Unregister(ctx, "D1", "S1"))
	require.Equal(t, []string{"S2"}, s.SerialsFor("D1"))
	require.True(t, s.HasDevice("D1"))

	err = s.Unregister(ctx, "D1", "S1")
	require.True(t, errors.Is(err, ErrRegistrationNotFound))
}

func TestSerialsForIsSortedAndDevicesForKeepsOrder(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil, nil)
	for _, serial := range []string{"S3", "S1", "S2"} {
		_, err := s.Register(ctx, "D1", serial, "P1")
		require.NoError(t, err)
	}
	for _, dev := range []string{"D9", "D2"} {
		_, err := s.Register(ctx, dev, "S1", "P-"+dev)
		require.NoError(t, err)
	}

	require.Equal(t, []string{"S1", "S2", "S3"}, s.SerialsFor("D1"))
	require.Equal(t, []string{"D1", "D9", "D2"}, s.DevicesFor("S1"))
	require.Empty(t, s.SerialsFor("unknown"))
}

func TestRegisterPersistFailureReverts(t *testing.T) {
	ctx := context.Background()
	regs := &flakyDoc{}
	s := NewStore(&flakyDoc{}, regs)
	_, err := s.Register(ctx, "D1", "S1", "P1")
	require.NoError(t, err)

	regs.fail = true
	_, err = s.Register(ctx, "D1", "S2", "P2")
	require.Equal(t, errs.KindPersistence, errs.KindOf(err))

	require.Equal(t, []string{"S1"}, s.SerialsFor("D1"))
	token, _ := s.PushTokenFor("D1")
	require.Equal(t, "P1", token)

	_, err = s.Register(ctx, "D2", "S1", "P3")
	require.Error(t, err)
	require.False(t, s.HasDevice("D2"))
	require.Equal(t, []string{"D1"}, s.DevicesFor("S1"))
}

func TestUnregisterPersistFailureReverts(t *testing.T) {
	ctx := context.Background()
	regs := &flakyDoc{}
	s := NewStore(nil, regs)
	for _, dev := range []string{"D1", "D2", "D3"} {
		_, err := s.Register(ctx, dev, "S1", "P")
		require.NoError(t, err)
	}

	regs.fail = true
	err := s.Unregister(ctx, "D2", "S1")
	require.Equal(t, errs.KindPersistence, errs.KindOf(err))
	require.Equal(t, []string{"D1", "D2", "D3"}, s.DevicesFor("S1"))
}

func TestStoreReloadsFromDocuments(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	devicesPath := filepath.Join(dir, "devices.json")
	regsPath := filepath.Join(dir, "registrations.json")

	s := NewStore(storage.NewDocument(devicesPath), storage.NewDocument(regsPath))
	_, err := s.Register(ctx, "D1", "S1", "P1")
	require.NoError(t, err)
	_, err = s.Register(ctx, "D2", "S1", "P2")
	require.NoError(t, err)
	require.NoError(t, s.Unregister(ctx, "D2", "S1"))

	reloaded := NewStore(storage.NewDocument(devicesPath), storage.NewDocument(regsPath))
	require.NoError(t, reloaded.Load())

	require.Equal(t, []string{"D1"}, reloaded.DevicesFor("S1"))
	token, ok := reloaded.PushTokenFor("D2")
	require.True(t, ok)
	require.Equal(t, "P2", token)
}

func TestConcurrentRegistrations(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Register(ctx, "D1", "S1", "P1")
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, []string{"D1"}, s.DevicesFor("S1"))
}

package device

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/kibshh/wallet-pass-service/backend/internal/logging"
	"github.com/kibshh/wallet-pass-service/backend/internal/metrics"
	"github.com/kibshh/wallet-pass-service/backend/internal/storage"
)

// Store keeps registrations in memory and writes devices and
// registrations to their documents after every change.
type Store struct {
	mu            sync.RWMutex
	devices       map[string]Device
	registrations map[string][]string

	persistMu        sync.Mutex
	devicesDoc       storage.Snapshotter
	registrationsDoc storage.Snapshotter

	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

var _ Registrations = (*Store)(nil)

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logging.Component(logger, "registrations") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates a registration store. Nil documents keep the
// corresponding state in memory only.
func NewStore(devicesDoc, registrationsDoc storage.Snapshotter, opts ...Option) *Store {
	s := &Store{
		devices:          make(map[string]Device),
		registrations:    make(map[string][]string),
		devicesDoc:       devicesDoc,
		registrationsDoc: registrationsDoc,
		now:              time.Now,
		logger:           logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads both documents. Missing documents leave the store empty.
func (s *Store) Load() error {
	devices := make(map[string]Device)
	registrations := make(map[string][]string)
	if s.devicesDoc != nil {
		if _, err := s.devicesDoc.Load(&devices); err != nil {
			return err
		}
	}
	if s.registrationsDoc != nil {
		if _, err := s.registrationsDoc.Load(&registrations); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = devices
	s.registrations = registrations
	s.logger.Info("registrations loaded", "devices", len(devices), "passes", len(registrations))
	return nil
}

func (s *Store) Register(ctx context.Context, deviceID, serial, pushToken string) (RegisterResult, error) {
	if deviceID == "" || serial == "" {
		return 0, ErrMissingIdentifier
	}
	if pushToken == "" {
		return 0, ErrMissingPushToken
	}

	s.mu.Lock()
	prevDevice, hadDevice := s.devices[deviceID]
	wasMember := slices.Contains(s.registrations[serial], deviceID)
	next := Device{PushToken: pushToken, UpdatedAt: s.now().UTC()}
	s.devices[deviceID] = next
	if !wasMember {
		s.registrations[serial] = append(s.registrations[serial], deviceID)
	}
	s.mu.Unlock()

	result := Created
	if wasMember {
		result = AlreadyRegistered
	}

	if err := s.persist(ctx); err != nil {
		s.mu.Lock()
		if cur, ok := s.devices[deviceID]; ok && cur == next {
			if hadDevice {
				s.devices[deviceID] = prevDevice
			} else {
				delete(s.devices, deviceID)
			}
		}
		if !wasMember {
			s.removeLocked(deviceID, serial)
		}
		s.mu.Unlock()
		s.repair(ctx)
		return 0, err
	}

	s.logger.Debug("device registered",
		"device", deviceID,
		"serial", serial,
		"result", result.String(),
		"push_token", logging.Redact(pushToken),
	)
	return result, nil
}

func (s *Store) Unregister(ctx context.Context, deviceID, serial string) error {
	s.mu.Lock()
	devices := s.registrations[serial]
	idx := slices.Index(devices, deviceID)
	if idx < 0 {
		s.mu.Unlock()
		return ErrRegistrationNotFound
	}
	s.removeLocked(deviceID, serial)
	s.mu.Unlock()

	if err := s.persist(ctx); err != nil {
		s.mu.Lock()
		current := s.registrations[serial]
		if !slices.Contains(current, deviceID) {
			pos := min(idx, len(current))
			s.registrations[serial] = slices.Insert(slices.Clone(current), pos, deviceID)
		}
		s.mu.Unlock()
		s.repair(ctx)
		return err
	}

	s.logger.Debug("device unregistered", "device", deviceID, "serial", serial)
	return nil
}

func (s *Store) SerialsFor(deviceID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var serials []string
	for serial, devices := range s.registrations {
		if slices.Contains(devices, deviceID) {
			serials = append(serials, serial)
		}
	}
	sort.Strings(serials)
	return serials
}

func (s *Store) DevicesFor(serial string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.registrations[serial])
}

func (s *Store) PushTokenFor(deviceID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dev, ok := s.devices[deviceID]
	if !ok || dev.PushToken == "" {
		return "", false
	}
	return dev.PushToken, true
}

func (s *Store) HasDevice(deviceID string) bool {
	_, ok := s.PushTokenFor(deviceID)
	return ok
}

// removeLocked drops deviceID from serial. Caller holds s.mu.
func (s *Store) removeLocked(deviceID, serial string) {
	devices := slices.DeleteFunc(slices.Clone(s.registrations[serial]), func(id string) bool {
		return id == deviceID
	})
	if len(devices) == 0 {
		delete(s.registrations, serial)
		return
	}
	s.registrations[serial] = devices
}

func (s *Store) persist(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	devices := make(map[string]Device, len(s.devices))
	for id, dev := range s.devices {
		devices[id] = dev
	}
	registrations := make(map[string][]string, len(s.registrations))
	for serial, ids := range s.registrations {
		registrations[serial] = slices.Clone(ids)
	}
	s.mu.RUnlock()

	if s.devicesDoc != nil {
		if err := s.devicesDoc.Save(ctx, devices); err != nil {
			s.metrics.IncPersistFailure("devices")
			s.logger.Error("devices not persisted", "error", err)
			return err
		}
	}
	if s.registrationsDoc != nil {
		if err := s.registrationsDoc.Save(ctx, registrations); err != nil {
			s.metrics.IncPersistFailure("registrations")
			s.logger.Error("registrations not persisted", "error", err)
			return err
		}
	}
	return nil
}

func (s *Store) repair(ctx context.Context) {
	_ = s.persist(ctx)
}

package device

import (
	"context"

	"github.com/kibshh/wallet-pass-service/backend/internal/errs"
)

var (
	ErrDeviceNotFound       = errs.New(errs.KindNotFound, "device not found")
	ErrRegistrationNotFound = errs.New(errs.KindNotFound, "registration not found")
	ErrMissingPushToken     = errs.New(errs.KindValidation, "push token is required")
	ErrMissingIdentifier    = errs.New(errs.KindValidation, "device and serial are required")
)

// Registrations is the device to serial mapping used by the wallet flows.
type Registrations interface {
	// Register records that deviceID wants updates for serial and stores
	// its push token. The token is overwritten on every call.
	Register(ctx context.Context, deviceID, serial, pushToken string) (RegisterResult, error)
	// Unregister removes one registration. Push tokens are kept.
	Unregister(ctx context.Context, deviceID, serial string) error
	// SerialsFor returns the serials deviceID is registered for, sorted.
	SerialsFor(deviceID string) []string
	// DevicesFor returns the devices registered for serial in registration order.
	DevicesFor(serial string) []string
	PushTokenFor(deviceID string) (string, bool)
	HasDevice(deviceID string) bool
}

package pass

import "github.com/kibshh/wallet-pass-service/backend/internal/errs"

var (
	ErrNotFound        = errs.New(errs.KindNotFound, "pass not found")
	ErrAlreadyExists   = errs.New(errs.KindConflict, "pass with this serial number already exists")
	ErrUnauthorized    = errs.New(errs.KindAuthorization, "invalid authentication token")
	ErrUnknownPassType = errs.New(errs.KindAuthorization, "invalid pass type identifier")
	ErrSerialRequired  = errs.New(errs.KindValidation, "serial number is required")
)

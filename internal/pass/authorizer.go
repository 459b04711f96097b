package pass

import "crypto/subtle"

// Authorizer checks the wallet credential presented for a pass.
type Authorizer struct {
	passTypeID string
	records    Reader
}

func NewAuthorizer(passTypeID string, records Reader) *Authorizer {
	return &Authorizer{
		passTypeID: passTypeID,
		records:    records,
	}
}

// PassTypeID returns the single pass type served by this deployment.
func (a *Authorizer) PassTypeID() string {
	return a.passTypeID
}

// Authorize verifies that header grants access to serial.
// Returns the record if authorized, error otherwise.
func (a *Authorizer) Authorize(passTypeID, serial, header string) (Record, error) {
	// Step 1: Pass type check
	if passTypeID != a.passTypeID {
		return Record{}, ErrUnknownPassType
	}

	// Step 2: Load record
	rec, ok := a.records.Get(serial)
	if !ok {
		return Record{}, ErrNotFound
	}

	// Step 3: Credential check
	expected := Credential(rec.AuthToken)
	if subtle.ConstantTimeCompare([]byte(header), []byte(expected)) != 1 {
		return Record{}, ErrUnauthorized
	}

	return rec, nil
}

// Credential returns the Authorization header value for token.
func Credential(token string) string {
	return AuthScheme + " " + token
}

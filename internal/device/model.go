package device

import "time"

// RegisterResult reports whether a registration was new.
type RegisterResult uint8

const (
	Created RegisterResult = iota
	AlreadyRegistered
)

func (r RegisterResult) String() string {
	switch r {
	case Created:
		return "created"
	case AlreadyRegistered:
		return "already_registered"
	default:
		return "unknown"
	}
}

// Device is a wallet installation known by its push token.
type Device struct {
	PushToken string    `json:"pushToken"`
	UpdatedAt time.Time `json:"updatedAt"`
}

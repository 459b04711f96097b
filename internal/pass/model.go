package pass

import "time"

const (
	DefaultTier = "Bronze"

	// AuthScheme prefixes the pass authentication token in the
	// Authorization header sent by the wallet.
	AuthScheme = "ApplePass"
)

// Payload holds the mutable loyalty fields rendered onto the pass.
type Payload struct {
	Points int    `json:"points"`
	Tier   string `json:"tier"`
	Member string `json:"member"`
}

// Record is the authoritative state of one issued pass.
type Record struct {
	Serial      string    `json:"serial"`
	AuthToken   string    `json:"authToken"`
	Payload     Payload   `json:"data"`
	LastUpdated int64     `json:"lastUpdated"` // change tag, monotonic per record
	CreatedAt   time.Time `json:"createdAt"`
}

// LastModified converts the change tag back to wall time.
func (r Record) LastModified() time.Time {
	return time.UnixMicro(r.LastUpdated).UTC()
}

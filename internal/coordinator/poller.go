package coordinator

import (
	"strconv"

	"github.com/kibshh/wallet-pass-service/backend/internal/device"
	"github.com/kibshh/wallet-pass-service/backend/internal/pass"
)

// PollResult is the body of a successful poll.
type PollResult struct {
	SerialNumbers []string `json:"serialNumbers"`
	LastUpdated   string   `json:"lastUpdated"`
}

// PassSource is the read side of the pass registry.
type PassSource interface {
	pass.Reader
	CurrentTag() int64
}

// DeviceSerials is the read side of the registration store used by polls.
type DeviceSerials interface {
	HasDevice(deviceID string) bool
	SerialsFor(deviceID string) []string
}

// Poller answers "which of my passes changed since tag T".
type Poller struct {
	devices DeviceSerials
	passes  PassSource
}

func NewPoller(devices DeviceSerials, passes PassSource) *Poller {
	return &Poller{devices: devices, passes: passes}
}

// Poll returns the serials registered to deviceID whose change tag is
// greater than since. An empty or non-numeric since reports everything.
func (p *Poller) Poll(deviceID, since string) (PollResult, error) {
	if !p.devices.HasDevice(deviceID) {
		return PollResult{}, device.ErrDeviceNotFound
	}

	// Read the global tag first: anything changing after this point is
	// reported again on the next poll rather than missed.
	asOf := p.passes.CurrentTag()
	sinceTag := parseTag(since)

	changed := []string{}
	for _, serial := range p.devices.SerialsFor(deviceID) {
		rec, ok := p.passes.Get(serial)
		if !ok {
			continue
		}
		if rec.LastUpdated > sinceTag {
			changed = append(changed, serial)
		}
	}

	return PollResult{
		SerialNumbers: changed,
		LastUpdated:   strconv.FormatInt(asOf, 10),
	}, nil
}

func parseTag(s string) int64 {
	tag, err := strconv.ParseInt(s, 10, 64)
	if err != nil || tag < 0 {
		return 0
	}
	return tag
}

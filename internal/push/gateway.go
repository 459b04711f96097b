package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kibshh/wallet-pass-service/backend/internal/errs"
)

// ErrPushDisabled is returned by NopGateway.
var ErrPushDisabled = errs.New(errs.KindUpstream, "push delivery is disabled")

// Notification is one push message addressed to a pass type topic.
type Notification struct {
	Topic      string
	Background bool // silent "pass changed" push with an empty payload
	Alert      string
	Badge      int
	Sound      string
	Expiry     time.Time // zero means the provider default
}

// Background returns the silent change notification for topic.
func Background(topic string) Notification {
	return Notification{Topic: topic, Background: true}
}

// Payload returns the JSON body for n.
func (n Notification) Payload() ([]byte, error) {
	if n.Background {
		return []byte("{}"), nil
	}
	aps := map[string]any{}
	if n.Alert != "" {
		aps["alert"] = n.Alert
	}
	if n.Badge > 0 {
		aps["badge"] = n.Badge
	}
	if n.Sound != "" {
		aps["sound"] = n.Sound
	}
	return json.Marshal(map[string]any{"aps": aps})
}

// Gateway delivers a notification to one device.
type Gateway interface {
	Send(ctx context.Context, deviceToken string, n Notification) error
}

// GatewayError is a rejection reported by the push provider.
type GatewayError struct {
	StatusCode int
	Reason     string
}

func (e *GatewayError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("push rejected with status %d", e.StatusCode)
	}
	return fmt.Sprintf("push rejected with status %d: %s", e.StatusCode, e.Reason)
}

// Unregistered reports whether the device token is no longer valid.
func (e *GatewayError) Unregistered() bool {
	return e.StatusCode == 410 || e.Reason == "Unregistered" || e.Reason == "BadDeviceToken"
}

// NopGateway drops every notification.
type NopGateway struct{}

func (NopGateway) Send(context.Context, string, Notification) error {
	return ErrPushDisabled
}

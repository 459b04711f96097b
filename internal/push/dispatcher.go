package push

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kibshh/wallet-pass-service/backend/internal/errs"
	"github.com/kibshh/wallet-pass-service/backend/internal/logging"
	"github.com/kibshh/wallet-pass-service/backend/internal/metrics"
	"github.com/kibshh/wallet-pass-service/backend/internal/pass"
)

const (
	DefaultConcurrency = 8

	TestAlert  = "Test notification from loyalty pass"
	testExpiry = time.Hour

	outcomeTokenRejected = "token_rejected"
)

var (
	ErrPassNotFound = errs.New(errs.KindNotFound, "pass not found")
	ErrNoDevices    = errs.New(errs.KindNotFound, "no devices registered for this pass")
)

type Status string

const (
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusNoToken Status = "no_token"
)

// Outcome is the delivery result for one registered device.
type Outcome struct {
	DeviceID string `json:"deviceID"`
	Status   Status `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

// Registrations is the read side of the registration store.
type Registrations interface {
	DevicesFor(serial string) []string
	PushTokenFor(deviceID string) (string, bool)
}

// Dispatcher fans notifications out to every device registered for a pass.
type Dispatcher struct {
	gateway       Gateway
	registrations Registrations
	passes        pass.Reader
	topic         string
	concurrency   int
	now           func() time.Time

	logger  *slog.Logger
	metrics *metrics.Metrics
}

type DispatcherOption func(*Dispatcher)

func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logging.Component(logger, "push") }
}

func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithConcurrency bounds the number of in-flight sends per fan-out.
func WithConcurrency(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// NewDispatcher creates a dispatcher sending to topic, the pass type identifier.
func NewDispatcher(gateway Gateway, registrations Registrations, passes pass.Reader, topic string, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		gateway:       gateway,
		registrations: registrations,
		passes:        passes,
		topic:         topic,
		concurrency:   DefaultConcurrency,
		now:           time.Now,
		logger:        logging.Discard(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NotifyChanged sends the silent change push to every device registered
// for serial. A serial without registrations yields no outcomes.
func (d *Dispatcher) NotifyChanged(ctx context.Context, serial string) []Outcome {
	return d.fanOut(ctx, "changed", serial, Background(d.topic))
}

// NotifyTest sends a visible alert to every device registered for serial.
func (d *Dispatcher) NotifyTest(ctx context.Context, serial string) ([]Outcome, error) {
	if _, ok := d.passes.Get(serial); !ok {
		return nil, ErrPassNotFound
	}
	if len(d.registrations.DevicesFor(serial)) == 0 {
		return nil, ErrNoDevices
	}

	n := Notification{
		Topic:  d.topic,
		Alert:  TestAlert,
		Badge:  1,
		Sound:  "default",
		Expiry: d.now().Add(testExpiry),
	}
	return d.fanOut(ctx, "test", serial, n), nil
}

func (d *Dispatcher) fanOut(ctx context.Context, kind, serial string, n Notification) []Outcome {
	devices := d.registrations.DevicesFor(serial)
	outcomes := make([]Outcome, len(devices))

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, deviceID := range devices {
		token, ok := d.registrations.PushTokenFor(deviceID)
		if !ok {
			outcomes[i] = Outcome{DeviceID: deviceID, Status: StatusNoToken}
			d.metrics.IncPushOutcome(kind, string(StatusNoToken))
			continue
		}

		g.Go(func() error {
			outcomes[i] = d.send(ctx, kind, serial, deviceID, token, n)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (d *Dispatcher) send(ctx context.Context, kind, serial, deviceID, token string, n Notification) Outcome {
	err := d.gateway.Send(ctx, token, n)
	if err == nil {
		d.metrics.IncPushOutcome(kind, string(StatusSent))
		d.logger.Debug("push sent", "kind", kind, "serial", serial, "device", deviceID)
		return Outcome{DeviceID: deviceID, Status: StatusSent}
	}

	reason := err.Error()
	outcome := string(StatusFailed)
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		if gwErr.Reason != "" {
			reason = gwErr.Reason
		}
		// The device removed the pass or reset its token; it re-registers
		// with a fresh one.
		if gwErr.Unregistered() {
			outcome = outcomeTokenRejected
		}
	}
	d.metrics.IncPushOutcome(kind, outcome)
	d.logger.Warn("push failed",
		"kind", kind,
		"serial", serial,
		"device", deviceID,
		"push_token", logging.Redact(token),
		"error", err,
	)
	return Outcome{DeviceID: deviceID, Status: StatusFailed, Reason: reason}
}

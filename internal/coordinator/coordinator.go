package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kibshh/wallet-pass-service/backend/internal/device"
	"github.com/kibshh/wallet-pass-service/backend/internal/errs"
	"github.com/kibshh/wallet-pass-service/backend/internal/logging"
	"github.com/kibshh/wallet-pass-service/backend/internal/metrics"
	"github.com/kibshh/wallet-pass-service/backend/internal/pass"
	"github.com/kibshh/wallet-pass-service/backend/internal/push"
)

var (
	ErrPassTypeNotServed = errs.New(errs.KindNotFound, "pass type not served")
	ErrZeroDelta         = errs.New(errs.KindValidation, "points delta must be non-zero")
	ErrNegativeBalance   = errs.New(errs.KindValidation, "points balance cannot go negative")
	ErrTierRequired      = errs.New(errs.KindValidation, "tier is required")
)

// Bundles builds and serves signed pass bundles.
type Bundles interface {
	Rebuild(ctx context.Context, rec pass.Record) ([]byte, error)
	Load(ctx context.Context, rec pass.Record) ([]byte, error)
}

// Dispatcher sends notifications synchronously.
type Dispatcher interface {
	NotifyChanged(ctx context.Context, serial string) []push.Outcome
	NotifyTest(ctx context.Context, serial string) ([]push.Outcome, error)
}

// Enqueuer schedules background change notifications.
type Enqueuer interface {
	Enqueue(serial string) bool
}

// Mirror receives committed records for the secondary catalog.
type Mirror interface {
	Submit(rec pass.Record)
}

// Deps wires a Coordinator.
type Deps struct {
	Authorizer    *pass.Authorizer
	Passes        *pass.Registry
	Registrations device.Registrations
	Bundles       Bundles
	Dispatcher    Dispatcher
	Queue         Enqueuer
	Mirror        Mirror
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Bundle is a pass archive ready to serve.
type Bundle struct {
	Data         []byte
	LastModified time.Time
}

// CreateRequest holds the initial state of a new pass. Zero values get
// defaults: tier Bronze, member number equal to the serial and a
// generated authentication token.
type CreateRequest struct {
	Serial    string
	Points    int
	Tier      string
	Member    string
	AuthToken string
}

// Coordinator implements the wallet web service and operator flows on
// top of the registry, registration store, bundles and push.
type Coordinator struct {
	auth          *pass.Authorizer
	passes        *pass.Registry
	registrations device.Registrations
	poller        *Poller
	bundles       Bundles
	dispatcher    Dispatcher
	queue         Enqueuer
	mirror        Mirror

	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(d Deps) *Coordinator {
	return &Coordinator{
		auth:          d.Authorizer,
		passes:        d.Passes,
		registrations: d.Registrations,
		poller:        NewPoller(d.Registrations, d.Passes),
		bundles:       d.Bundles,
		dispatcher:    d.Dispatcher,
		queue:         d.Queue,
		mirror:        d.Mirror,
		logger:        logging.Component(d.Logger, "coordinator"),
		metrics:       d.Metrics,
	}
}

// PassTypeID returns the served pass type.
func (c *Coordinator) PassTypeID() string {
	return c.auth.PassTypeID()
}

// Register records a device's interest in a pass.
func (c *Coordinator) Register(ctx context.Context, deviceID, passTypeID, serial, authHeader, pushToken string) (device.RegisterResult, error) {
	if _, err := c.auth.Authorize(passTypeID, serial, authHeader); err != nil {
		c.metrics.IncRegistration("unauthorized")
		return 0, err
	}

	result, err := c.registrations.Register(ctx, deviceID, serial, pushToken)
	if err != nil {
		c.metrics.IncRegistration("error")
		return 0, err
	}
	c.metrics.IncRegistration(result.String())
	c.logger.Info("device registered", "device", deviceID, "serial", serial, "result", result.String())
	return result, nil
}

// Unregister removes a device registration.
func (c *Coordinator) Unregister(ctx context.Context, deviceID, passTypeID, serial, authHeader string) error {
	if _, err := c.auth.Authorize(passTypeID, serial, authHeader); err != nil {
		return err
	}
	if err := c.registrations.Unregister(ctx, deviceID, serial); err != nil {
		return err
	}
	c.logger.Info("device unregistered", "device", deviceID, "serial", serial)
	return nil
}

// Poll lists the passes of deviceID that changed after since.
func (c *Coordinator) Poll(_ context.Context, deviceID, passTypeID, since string) (PollResult, error) {
	if passTypeID != c.auth.PassTypeID() {
		return PollResult{}, ErrPassTypeNotServed
	}
	return c.poller.Poll(deviceID, since)
}

// FetchBundle returns the current bundle of an authorized pass.
func (c *Coordinator) FetchBundle(ctx context.Context, passTypeID, serial, authHeader string) (Bundle, error) {
	rec, err := c.auth.Authorize(passTypeID, serial, authHeader)
	if err != nil {
		return Bundle{}, err
	}
	return c.load(ctx, rec)
}

// DownloadBundle serves a bundle without the wallet credential, for the
// operator's "add to wallet" link.
func (c *Coordinator) DownloadBundle(ctx context.Context, serial string) (Bundle, error) {
	rec, ok := c.passes.Get(serial)
	if !ok {
		return Bundle{}, pass.ErrNotFound
	}
	return c.load(ctx, rec)
}

func (c *Coordinator) load(ctx context.Context, rec pass.Record) (Bundle, error) {
	data, err := c.bundles.Load(ctx, rec)
	if err != nil {
		return Bundle{}, err
	}
	return Bundle{Data: data, LastModified: rec.LastModified()}, nil
}

// CreatePass issues a new pass and builds its first bundle. When the
// bundle cannot be built the record is removed again.
func (c *Coordinator) CreatePass(ctx context.Context, req CreateRequest) (pass.Record, error) {
	if req.Serial == "" {
		return pass.Record{}, pass.ErrSerialRequired
	}
	if req.Points < 0 {
		return pass.Record{}, ErrNegativeBalance
	}

	rec := pass.Record{
		Serial:    req.Serial,
		AuthToken: req.AuthToken,
		Payload: pass.Payload{
			Points: req.Points,
			Tier:   req.Tier,
			Member: req.Member,
		},
	}
	if rec.AuthToken == "" {
		rec.AuthToken = uuid.NewString()
	}
	if rec.Payload.Tier == "" {
		rec.Payload.Tier = pass.DefaultTier
	}
	if rec.Payload.Member == "" {
		rec.Payload.Member = rec.Serial
	}

	created, err := c.passes.Create(ctx, rec)
	if err != nil {
		return pass.Record{}, err
	}

	if _, err := c.bundles.Rebuild(ctx, created); err != nil {
		if rmErr := c.passes.Remove(ctx, created.Serial); rmErr != nil && !errors.Is(rmErr, pass.ErrNotFound) {
			c.logger.Error("create rollback failed", "serial", created.Serial, "error", rmErr)
		}
		return pass.Record{}, errs.Wrap(errs.KindUpstream, "create pass", err)
	}

	c.mirror.Submit(created)
	c.metrics.IncPassMutation("create")
	c.logger.Info("pass created", "serial", created.Serial, "tag", created.LastUpdated)
	return created, nil
}

// AddPoints adjusts the points balance by delta.
func (c *Coordinator) AddPoints(ctx context.Context, serial string, delta int) (pass.Record, error) {
	if delta == 0 {
		return pass.Record{}, ErrZeroDelta
	}
	return c.mutate(ctx, "add_points", serial, func(p *pass.Payload) error {
		if p.Points+delta < 0 {
			return ErrNegativeBalance
		}
		p.Points += delta
		return nil
	})
}

// UpdateTier replaces the membership tier.
func (c *Coordinator) UpdateTier(ctx context.Context, serial, tier string) (pass.Record, error) {
	if tier == "" {
		return pass.Record{}, ErrTierRequired
	}
	return c.mutate(ctx, "update_tier", serial, func(p *pass.Payload) error {
		p.Tier = tier
		return nil
	})
}

// mutate commits a payload change, then rebuilds the bundle and queues
// the change push. A failed rebuild is reported but the change stays
// committed; no push is sent for a bundle the device could not fetch.
func (c *Coordinator) mutate(ctx context.Context, op, serial string, fn func(*pass.Payload) error) (pass.Record, error) {
	rec, err := c.passes.Mutate(ctx, serial, fn)
	if err != nil {
		return pass.Record{}, err
	}
	c.metrics.IncPassMutation(op)
	c.mirror.Submit(rec)

	if _, err := c.bundles.Rebuild(ctx, rec); err != nil {
		return rec, errs.Wrap(errs.KindUpstream, op, err)
	}

	if !c.queue.Enqueue(serial) {
		c.logger.Warn("change notification not queued", "serial", serial)
	}
	c.logger.Info("pass updated", "op", op, "serial", serial, "tag", rec.LastUpdated)
	return rec, nil
}

// SendTestPush sends a visible test alert to every device of serial.
func (c *Coordinator) SendTestPush(ctx context.Context, serial string) ([]push.Outcome, error) {
	return c.dispatcher.NotifyTest(ctx, serial)
}

// PushNow sends the change notification for serial synchronously and
// reports per-device outcomes.
func (c *Coordinator) PushNow(ctx context.Context, serial string) ([]push.Outcome, error) {
	if _, ok := c.passes.Get(serial); !ok {
		return nil, pass.ErrNotFound
	}
	return c.dispatcher.NotifyChanged(ctx, serial), nil
}

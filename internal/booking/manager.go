// Package booking owns ride requests and the booking lifecycle. It is the
// sole writer of booking status; every transition runs under the entry's
// shard lock so concurrent accepts and status changes linearize per id.
package booking

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/shard"
	"github.com/example/ride-dispatch/internal/storage"
)

// Drivers is the slice of the driver registry the lifecycle needs.
type Drivers interface {
	Get(ctx context.Context, id string) (models.Driver, error)
	Reserve(ctx context.Context, id string) error
	Release(ctx context.Context, id string) error
}

// Quoter prices a trip between two points.
type Quoter interface {
	Quote(ctx context.Context, pickup, dropoff models.Point) models.Fare
}

// PaymentGateway captures card payments. Optional.
type PaymentGateway interface {
	Capture(ctx context.Context, ref string, amount float64, currency string) error
}

type Options struct {
	// PendingTTL bounds how long a request waits for a driver. RequestTTL is
	// how long an accepted or cancelled request is kept for lookups.
	PendingTTL   time.Duration
	RequestTTL   time.Duration
	StoreTimeout time.Duration
	Retries      int
	RetryDelay   time.Duration
	Shards       int
	Now          func() time.Time
	Logger       *slog.Logger
	// NewCode overrides reservation code generation in tests.
	NewCode func(n int) string
}

func (o *Options) withDefaults() {
	if o.PendingTTL <= 0 {
		o.PendingTTL = 15 * time.Minute
	}
	if o.RequestTTL <= 0 {
		o.RequestTTL = 30 * time.Minute
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 2 * time.Second
	}
	if o.Retries <= 0 {
		o.Retries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 50 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.NewCode == nil {
		o.NewCode = randomCode
	}
}

type Manager struct {
	store    storage.BookingStore
	drivers  Drivers
	pricing  Quoter
	pub      dispatch.Publisher
	payments PaymentGateway

	requests *shard.Map[models.RideRequest]
	// bookings holds immutable snapshots; writers swap in a fresh clone.
	bookings *shard.Map[*models.Booking]
	codes    *shard.Map[string]
	// active maps a driver id to its non-terminal booking.
	active *shard.Map[string]

	newCode func(n int) string
	opts    Options
	log     *slog.Logger
}

func NewManager(store storage.BookingStore, drivers Drivers, pricing Quoter, pub dispatch.Publisher, opts Options) *Manager {
	opts.withDefaults()
	if pub == nil {
		pub = dispatch.Nop{}
	}
	return &Manager{
		store:    store,
		drivers:  drivers,
		pricing:  pricing,
		pub:      pub,
		requests: shard.New[models.RideRequest](opts.Shards),
		bookings: shard.New[*models.Booking](opts.Shards),
		codes:    shard.New[string](opts.Shards),
		active:   shard.New[string](opts.Shards),
		newCode:  opts.NewCode,
		opts:     opts,
		log:      opts.Logger.With("component", "booking_manager"),
	}
}

// WithPayments enables card capture in RecordPayment.
func (m *Manager) WithPayments(g PaymentGateway) *Manager {
	m.payments = g
	return m
}

// load returns the in-memory booking, falling back to the durable store.
func (m *Manager) load(ctx context.Context, id string) (*models.Booking, error) {
	if b, ok := m.bookings.Get(id); ok {
		return b, nil
	}
	sctx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	defer cancel()
	b, err := m.store.GetByID(sctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.storageFailed("get_booking", err, id)
		}
		return nil, apperr.NotFound("booking", id)
	}
	m.adopt(b)
	cur, _ := m.bookings.Get(id)
	return cur, nil
}

// adopt installs a durable record into the in-memory tables unless a newer
// copy is already there.
func (m *Manager) adopt(b *models.Booking) {
	if !m.bookings.SetIfAbsent(b.ID, b.Clone()) {
		return
	}
	if b.ReservationCode != "" {
		m.codes.SetIfAbsent(b.ReservationCode, b.ID)
	}
	if b.DriverID != "" && !b.Status.Terminal() && b.Status != models.StatusPending {
		m.active.SetIfAbsent(b.DriverID, b.ID)
	}
}

func (m *Manager) persist(ctx context.Context, op, id string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.StoreTimeout)
	defer cancel()
	if err := storage.Retry(ctx, m.opts.Retries, m.opts.RetryDelay, fn); err != nil {
		m.storageFailed(op, err, id)
	}
}

func (m *Manager) persistPatch(ctx context.Context, id string, patch storage.BookingPatch) {
	m.persist(ctx, "update_booking", id, func(ctx context.Context) error {
		return m.store.Update(ctx, id, patch)
	})
}

func (m *Manager) storageFailed(op string, err error, id string) {
	observability.StorageErrors.WithLabelValues(op).Inc()
	m.log.Warn("storage_unavailable", "op", op, "booking_id", id, "error", apperr.Storage(err, op))
}

func (m *Manager) publishBooking(kind dispatch.Kind, b *models.Booking, tr *dispatch.Transition) {
	topics := []dispatch.Topic{dispatch.TopicGlobal, dispatch.BookingTopic(b.ID)}
	if b.DriverID != "" {
		topics = append(topics, dispatch.DriverTopic(b.DriverID))
	}
	dispatch.PublishAll(m.pub, dispatch.Event{
		Kind:       kind,
		At:         m.opts.Now(),
		Booking:    b.Clone(),
		Transition: tr,
	}, topics...)
}

// claimDriver marks driverID as busy with bookingID. It fails when the
// driver already holds a different active booking.
func (m *Manager) claimDriver(driverID, bookingID string) error {
	if m.active.SetIfAbsent(driverID, bookingID) {
		return nil
	}
	if cur, ok := m.active.Get(driverID); ok && cur == bookingID {
		return nil
	}
	return apperr.Conflict("driver already has an active booking")
}

func (m *Manager) unclaimDriver(driverID, bookingID string) bool {
	return m.active.DeleteIf(driverID, func(v string) bool { return v == bookingID })
}

// ActiveBookingFor returns the non-terminal booking a driver is serving.
func (m *Manager) ActiveBookingFor(driverID string) (string, bool) {
	return m.active.Get(driverID)
}

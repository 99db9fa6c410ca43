// Package tracking propagates driver and customer positions to subscribers.
// Delivery is at most once and never blocks the reporter.
package tracking

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
)

// DefaultCustomerFreshness is how long a customer sample stays readable.
const DefaultCustomerFreshness = 5 * time.Minute

type Drivers interface {
	UpdateLocation(ctx context.Context, id string, p models.Point) (registry.LocationUpdate, error)
}

type Bookings interface {
	Get(ctx context.Context, id string) (*models.Booking, error)
	ActiveBookingFor(driverID string) (string, bool)
	AppendRoutePoint(ctx context.Context, bookingID string, role models.Role, p models.Point, persist bool) bool
}

type Options struct {
	CustomerFreshness time.Duration
	Now               func() time.Time
	Logger            *slog.Logger
}

type Service struct {
	drivers  Drivers
	bookings Bookings
	store    CustomerLocationStore
	hub      *dispatch.Hub
	// pub receives every event; it includes the hub plus any external sinks.
	pub       dispatch.Publisher
	freshness time.Duration
	now       func() time.Time
	log       *slog.Logger
}

func NewService(drivers Drivers, bookings Bookings, store CustomerLocationStore, hub *dispatch.Hub, pub dispatch.Publisher, opts Options) *Service {
	if opts.CustomerFreshness <= 0 {
		opts.CustomerFreshness = DefaultCustomerFreshness
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if pub == nil {
		pub = hub
	}
	return &Service{
		drivers:   drivers,
		bookings:  bookings,
		store:     store,
		hub:       hub,
		pub:       pub,
		freshness: opts.CustomerFreshness,
		now:       opts.Now,
		log:       opts.Logger.With("component", "tracking"),
	}
}

// ReportDriverLocation moves the driver in the registry, extends the route
// of the booking they are serving and fans the sample out.
func (s *Service) ReportDriverLocation(ctx context.Context, driverID string, p models.Point) (models.LocationSample, error) {
	upd, err := s.drivers.UpdateLocation(ctx, driverID, p)
	if err != nil {
		return models.LocationSample{}, err
	}
	observability.LocationReports.WithLabelValues(string(models.RoleDriver)).Inc()

	sample := models.LocationSample{
		HolderID:   driverID,
		Role:       models.RoleDriver,
		Point:      p,
		CapturedAt: upd.Driver.LocationAt,
	}
	if sample.CapturedAt.IsZero() {
		sample.CapturedAt = s.now()
	}
	topics := []dispatch.Topic{dispatch.TopicGlobal}
	if bookingID, ok := s.bookings.ActiveBookingFor(driverID); ok {
		sample.BookingID = bookingID
		s.bookings.AppendRoutePoint(ctx, bookingID, models.RoleDriver, p, upd.Persisted)
		topics = append(topics, dispatch.BookingTopic(bookingID))
	}
	s.fanout(dispatch.KindDriverLocation, sample, topics)
	return sample, nil
}

// ReportCustomerLocation keeps the customer's position for the booking in
// the short-lived store. It is never written to the durable store.
func (s *Service) ReportCustomerLocation(ctx context.Context, bookingID string, p models.Point) (models.LocationSample, error) {
	if !p.Valid() || p.IsZero() {
		return models.LocationSample{}, apperr.InvalidPayload("location out of range")
	}
	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return models.LocationSample{}, err
	}
	if b.Status.Terminal() {
		return models.LocationSample{}, apperr.Newf(apperr.CodeConflict, "booking is %s", b.Status)
	}
	observability.LocationReports.WithLabelValues(string(models.RoleCustomer)).Inc()

	holder := b.CustomerID
	if holder == "" {
		holder = "guest"
	}
	sample := models.LocationSample{
		HolderID:   holder,
		Role:       models.RoleCustomer,
		BookingID:  bookingID,
		Point:      p,
		CapturedAt: s.now(),
	}
	if err := s.store.Put(ctx, sample); err != nil {
		observability.StorageErrors.WithLabelValues("put_customer_location").Inc()
		s.log.Warn("customer_location_store_failed", "booking_id", bookingID, "error", err)
	}
	s.bookings.AppendRoutePoint(ctx, bookingID, models.RoleCustomer, p, false)
	s.fanout(dispatch.KindCustomerLocation, sample, []dispatch.Topic{dispatch.TopicGlobal, dispatch.BookingTopic(bookingID)})
	return sample, nil
}

// GetCustomerLocation returns the latest customer sample, or nil when there
// is none younger than the freshness window.
func (s *Service) GetCustomerLocation(ctx context.Context, bookingID string) (*models.LocationSample, error) {
	if _, err := s.bookings.Get(ctx, bookingID); err != nil {
		return nil, err
	}
	sample, err := s.store.Get(ctx, bookingID)
	if err != nil {
		observability.StorageErrors.WithLabelValues("get_customer_location").Inc()
		s.log.Warn("customer_location_store_failed", "booking_id", bookingID, "error", err)
		return nil, nil
	}
	if sample == nil || !sample.Fresh(s.now(), s.freshness) {
		return nil, nil
	}
	return sample, nil
}

func (s *Service) Subscribe(topic dispatch.Topic) *dispatch.Subscription {
	return s.hub.Subscribe(topic)
}

func (s *Service) Unsubscribe(sub *dispatch.Subscription) {
	s.hub.Unsubscribe(sub)
}

func (s *Service) fanout(kind dispatch.Kind, sample models.LocationSample, topics []dispatch.Topic) {
	dispatch.PublishAll(s.pub, dispatch.Event{Kind: kind, At: sample.CapturedAt, Location: &sample}, topics...)
}

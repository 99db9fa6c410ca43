package booking

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	maxPassengers = 8
	minGuestName  = 2
	minGuestPhone = 7
)

type CreateParams struct {
	CustomerID    string
	GuestName     string
	GuestPhone    string
	Pickup        models.Point
	Dropoff       models.Point
	VehicleClass  models.VehicleClass
	Passengers    int
	PaymentMethod models.PaymentMethod
}

func validateTrip(pickup, dropoff models.Point, class models.VehicleClass) error {
	if !pickup.Valid() || pickup.IsZero() {
		return apperr.InvalidPayload("pickup coordinates are invalid")
	}
	if !dropoff.Valid() || dropoff.IsZero() {
		return apperr.InvalidPayload("dropoff coordinates are invalid")
	}
	if !class.Valid() {
		return apperr.Newf(apperr.CodeInvalidPayload, "unknown vehicle class %q", class)
	}
	return nil
}

func (p *CreateParams) validate() error {
	if err := validateTrip(p.Pickup, p.Dropoff, p.VehicleClass); err != nil {
		return err
	}
	if p.Passengers == 0 {
		p.Passengers = 1
	}
	if p.Passengers < 1 || p.Passengers > maxPassengers {
		return apperr.Newf(apperr.CodeInvalidPayload, "passengers must be between 1 and %d", maxPassengers)
	}
	switch p.PaymentMethod {
	case "", models.PaymentCard, models.PaymentCash:
	default:
		return apperr.Newf(apperr.CodeInvalidPayload, "unknown payment method %q", p.PaymentMethod)
	}
	p.CustomerID = strings.TrimSpace(p.CustomerID)
	if p.CustomerID != "" {
		return nil
	}
	p.GuestName = strings.TrimSpace(p.GuestName)
	p.GuestPhone = strings.TrimSpace(p.GuestPhone)
	if utf8.RuneCountInString(p.GuestName) < minGuestName {
		return apperr.New(apperr.CodeGuestNameRequired, "guest name must have at least 2 characters")
	}
	if utf8.RuneCountInString(p.GuestPhone) < minGuestPhone {
		return apperr.New(apperr.CodeGuestPhoneRequired, "guest phone must have at least 7 characters")
	}
	return nil
}

// Create books a ride directly. The booking starts pending with no driver.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*models.Booking, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	now := m.opts.Now()
	id := uuid.NewString()
	code, err := m.reserveCode(ctx, id)
	if err != nil {
		return nil, err
	}
	fare := m.pricing.Quote(ctx, p.Pickup, p.Dropoff)
	b := &models.Booking{
		ID:              id,
		ReservationCode: code,
		CustomerID:      p.CustomerID,
		Pickup:          p.Pickup,
		Dropoff:         p.Dropoff,
		VehicleClass:    p.VehicleClass,
		Passengers:      p.Passengers,
		Status:          models.StatusPending,
		Fare:            fare,
		BasePrice:       fare.Total,
		FinalPrice:      fare.Total,
		PaymentStatus:   models.PaymentUnpaid,
		PaymentMethod:   p.PaymentMethod,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if p.CustomerID == "" {
		b.GuestName, b.GuestPhone = p.GuestName, p.GuestPhone
	}
	m.bookings.Set(id, b)
	observability.BookingsCreated.Inc()

	stored := b.Clone()
	m.persist(ctx, "insert_booking", id, func(ctx context.Context) error { return m.store.Insert(ctx, stored) })
	m.log.Info("booking_created", "booking_id", id, "vehicle_class", b.VehicleClass, "total", fare.Total)
	m.publishBooking(dispatch.KindBookingCreated, b, nil)
	dispatch.PublishAll(m.pub, dispatch.Event{Kind: dispatch.KindBookingCreated, At: now, Booking: b.Clone()}, dispatch.TopicDrivers)
	return b.Clone(), nil
}

// SetStatus moves a booking along the state machine. Asking for the current
// status is a no-op that returns the booking unchanged.
func (m *Manager) SetStatus(ctx context.Context, bookingID string, to models.BookingStatus) (*models.Booking, error) {
	if !KnownStatus(to) {
		return nil, apperr.Newf(apperr.CodeInvalidPayload, "unknown booking status %q", to)
	}
	if _, err := m.load(ctx, bookingID); err != nil {
		return nil, err
	}
	now := m.opts.Now()
	var (
		from models.BookingStatus
		noop bool
	)
	b, err := m.bookings.Update(bookingID, func(cur *models.Booking, ok bool) (*models.Booking, error) {
		if !ok {
			return cur, apperr.NotFound("booking", bookingID)
		}
		from = cur.Status
		var err error
		if noop, err = CheckTransition(cur.Status, to); err != nil || noop {
			if err == nil {
				err = errNoop
			}
			return cur, err
		}
		next := cur.Clone()
		next.Status = to
		next.UpdatedAt = now
		switch to {
		case models.StatusInProgress:
			if next.PickedUpAt == nil {
				next.PickedUpAt = &now
			}
		case models.StatusCompleted:
			if next.CompletedAt == nil {
				next.CompletedAt = &now
			}
		case models.StatusCancelled:
			next.CancelledAt = &now
		}
		return next, nil
	})
	if err == errNoop {
		return b.Clone(), nil
	}
	if err != nil {
		observability.TransitionsTotal.WithLabelValues(string(from), string(to), "rejected").Inc()
		return nil, err
	}
	observability.TransitionsTotal.WithLabelValues(string(from), string(to), "ok").Inc()
	m.log.Info("booking_transition", "booking_id", bookingID, "from", from, "to", to, "driver_id", b.DriverID)

	patch := storage.BookingPatch{Status: &to, PickedUpAt: b.PickedUpAt, CompletedAt: b.CompletedAt, CancelledAt: b.CancelledAt, UpdatedAt: now}
	if to == models.StatusCompleted {
		patch.Route, patch.CustomerRoute = b.Route, b.CustomerRoute
	}
	m.persistPatch(ctx, bookingID, patch)

	if to.Terminal() && b.DriverID != "" {
		m.unclaimDriver(b.DriverID, bookingID)
		if err := m.drivers.Release(ctx, b.DriverID); err != nil {
			m.log.Warn("release_driver_failed", "driver_id", b.DriverID, "booking_id", bookingID, "error", err)
		}
	}
	m.publishBooking(dispatch.KindBookingStatus, b, &dispatch.Transition{From: from, To: to})
	return b.Clone(), nil
}

// errNoop aborts a shard update without reporting a failure.
var errNoop = apperr.New(apperr.CodeInternal, "noop")

// CancelResult reports what a cancel touched. Either field may be nil.
type CancelResult struct {
	Request *models.RideRequest `json:"request,omitempty"`
	Booking *models.Booking     `json:"booking,omitempty"`
}

// Cancel accepts either a ride request id or a booking id.
func (m *Manager) Cancel(ctx context.Context, id string) (CancelResult, error) {
	if _, ok := m.requests.Get(id); ok {
		return m.cancelRequest(ctx, id)
	}
	b, err := m.SetStatus(ctx, id, models.StatusCancelled)
	if err != nil {
		return CancelResult{}, err
	}
	if b.RequestID != "" {
		m.markRequestCancelled(b.RequestID)
	}
	return CancelResult{Booking: b}, nil
}

func (m *Manager) cancelRequest(ctx context.Context, id string) (CancelResult, error) {
	now := m.opts.Now()
	var was models.RequestStatus
	req, err := m.requests.Update(id, func(cur models.RideRequest, ok bool) (models.RideRequest, error) {
		if !ok {
			return cur, apperr.NotFound("ride request", id)
		}
		was = cur.Status
		if cur.Status == models.RequestPending {
			cur.Status = models.RequestCancelled
			cur.UpdatedAt = now
		}
		return cur, nil
	})
	if err != nil {
		return CancelResult{}, err
	}
	res := CancelResult{Request: &req}
	switch was {
	case models.RequestPending:
		m.log.Info("ride_cancelled", "request_id", id)
		dispatch.PublishAll(m.pub, dispatch.Event{Kind: dispatch.KindRideCancelled, At: now, Ride: &req}, requestTopics(req)...)
	case models.RequestAccepted:
		b, err := m.SetStatus(ctx, req.BookingID, models.StatusCancelled)
		if err != nil {
			return CancelResult{}, err
		}
		m.markRequestCancelled(id)
		req.Status = models.RequestCancelled
		res.Booking = b
	}
	return res, nil
}

func (m *Manager) markRequestCancelled(id string) {
	now := m.opts.Now()
	_, _ = m.requests.Update(id, func(cur models.RideRequest, ok bool) (models.RideRequest, error) {
		if !ok {
			return cur, apperr.ErrNotFound
		}
		cur.Status, cur.UpdatedAt = models.RequestCancelled, now
		return cur, nil
	})
}

type PaymentParams struct {
	// Amount overrides the final price when set.
	Amount     *float64
	Method     models.PaymentMethod
	PaymentRef string
}

// RecordPayment stores how a booking was paid. Card payments are marked
// paid immediately; cash stays unpaid until ReconcileCash. Allowed in any
// state, including terminal ones.
func (m *Manager) RecordPayment(ctx context.Context, bookingID string, p PaymentParams) (*models.Booking, error) {
	if p.Method != models.PaymentCard && p.Method != models.PaymentCash {
		return nil, apperr.Newf(apperr.CodeInvalidPayload, "unknown payment method %q", p.Method)
	}
	if p.Amount != nil && *p.Amount < 0 {
		return nil, apperr.InvalidPayload("amount must not be negative")
	}
	cur, err := m.load(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	p.PaymentRef = strings.TrimSpace(p.PaymentRef)

	if p.Method == models.PaymentCard && p.PaymentRef != "" && m.payments != nil {
		amount := cur.FinalPrice
		if p.Amount != nil {
			amount = pricing.Round2(*p.Amount)
		}
		if err := m.payments.Capture(ctx, p.PaymentRef, amount, cur.Fare.Currency); err != nil {
			m.log.Warn("payment_capture_failed", "booking_id", bookingID, "error", err)
			return nil, apperr.Wrap(apperr.CodePaymentFailed, err, "payment capture failed")
		}
	}

	now := m.opts.Now()
	b, err := m.bookings.Update(bookingID, func(cur *models.Booking, ok bool) (*models.Booking, error) {
		if !ok {
			return cur, apperr.NotFound("booking", bookingID)
		}
		next := cur.Clone()
		next.PaymentMethod = p.Method
		if p.Amount != nil {
			next.FinalPrice = pricing.Round2(*p.Amount)
		}
		if p.PaymentRef != "" {
			next.PaymentRef = p.PaymentRef
		}
		if p.Method == models.PaymentCard && next.PaymentStatus != models.PaymentPaid {
			next.PaymentStatus = models.PaymentPaid
			next.PaidAt = &now
		}
		next.UpdatedAt = now
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	m.persistPatch(ctx, bookingID, paymentPatch(b))
	m.log.Info("booking_payment", "booking_id", bookingID, "method", b.PaymentMethod, "status", b.PaymentStatus, "final_price", b.FinalPrice)
	m.publishBooking(dispatch.KindBookingPayment, b, nil)
	return b.Clone(), nil
}

// ReconcileCash marks a cash booking as paid once the driver confirms it.
func (m *Manager) ReconcileCash(ctx context.Context, bookingID string) (*models.Booking, error) {
	if _, err := m.load(ctx, bookingID); err != nil {
		return nil, err
	}
	now := m.opts.Now()
	b, err := m.bookings.Update(bookingID, func(cur *models.Booking, ok bool) (*models.Booking, error) {
		if !ok {
			return cur, apperr.NotFound("booking", bookingID)
		}
		if cur.PaymentMethod != models.PaymentCash {
			return cur, apperr.InvalidPayload("booking is not a cash payment")
		}
		if cur.PaymentStatus == models.PaymentPaid {
			return cur, errNoop
		}
		next := cur.Clone()
		next.PaymentStatus = models.PaymentPaid
		next.PaidAt = &now
		next.UpdatedAt = now
		return next, nil
	})
	if err == errNoop {
		return b.Clone(), nil
	}
	if err != nil {
		return nil, err
	}
	m.persistPatch(ctx, bookingID, paymentPatch(b))
	m.publishBooking(dispatch.KindBookingPayment, b, nil)
	return b.Clone(), nil
}

func paymentPatch(b *models.Booking) storage.BookingPatch {
	price, status, method, ref := b.FinalPrice, b.PaymentStatus, b.PaymentMethod, b.PaymentRef
	return storage.BookingPatch{
		FinalPrice:    &price,
		PaymentStatus: &status,
		PaymentMethod: &method,
		PaymentRef:    &ref,
		PaidAt:        b.PaidAt,
		UpdatedAt:     b.UpdatedAt,
	}
}

// AppendRoutePoint records a position on a booking that is in progress.
// It reports false when the booking is not in progress. When persist is
// set the accumulated route is written through.
func (m *Manager) AppendRoutePoint(ctx context.Context, bookingID string, role models.Role, p models.Point, persist bool) bool {
	now := m.opts.Now()
	b, err := m.bookings.Update(bookingID, func(cur *models.Booking, ok bool) (*models.Booking, error) {
		if !ok || cur.Status != models.StatusInProgress {
			return cur, errNoop
		}
		next := cur.Clone()
		pt := models.RoutePoint{Lat: p.Lat, Lng: p.Lng, At: now}
		if role == models.RoleCustomer {
			next.CustomerRoute = append(next.CustomerRoute, pt)
		} else {
			next.Route = append(next.Route, pt)
		}
		return next, nil
	})
	if err != nil {
		return false
	}
	if persist {
		patch := storage.BookingPatch{UpdatedAt: now}
		if role == models.RoleCustomer {
			patch.CustomerRoute = b.CustomerRoute
		} else {
			patch.Route = b.Route
		}
		m.persistPatch(ctx, bookingID, patch)
	}
	return true
}

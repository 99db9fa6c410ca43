package booking

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// RecordRequest stores a pending ride request. Requests live only in memory.
func (m *Manager) RecordRequest(ctx context.Context, req models.RideRequest) (models.RideRequest, error) {
	if err := validateTrip(req.Pickup, req.Dropoff, req.VehicleClass); err != nil {
		return models.RideRequest{}, err
	}
	if req.Passengers == 0 {
		req.Passengers = 1
	}
	if req.Passengers < 1 || req.Passengers > maxPassengers {
		return models.RideRequest{}, apperr.Newf(apperr.CodeInvalidPayload, "passengers must be between 1 and %d", maxPassengers)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := m.opts.Now()
	req.Status = models.RequestPending
	req.DriverID, req.BookingID = "", ""
	req.OfferedTo = append([]string(nil), req.OfferedTo...)
	req.CreatedAt, req.UpdatedAt = now, now
	if !m.requests.SetIfAbsent(req.ID, req) {
		return models.RideRequest{}, apperr.Conflict("ride request already exists")
	}
	return req, nil
}

func (m *Manager) GetRequest(ctx context.Context, id string) (models.RideRequest, error) {
	req, ok := m.requests.Get(id)
	if !ok {
		return models.RideRequest{}, apperr.NotFound("ride request", id)
	}
	return req, nil
}

// Accept lets driverID take a pending request. The request entry is checked
// and flipped under its shard lock, so of any number of concurrent accepts
// exactly one succeeds and the rest see conflict.
func (m *Manager) Accept(ctx context.Context, requestID, driverID string) (*models.Booking, error) {
	b, err := m.accept(ctx, requestID, strings.TrimSpace(driverID))
	observability.AcceptsTotal.WithLabelValues(acceptOutcome(err)).Inc()
	return b, err
}

func (m *Manager) accept(ctx context.Context, requestID, driverID string) (*models.Booking, error) {
	if driverID == "" {
		return nil, apperr.InvalidPayload("driver id is required")
	}
	if _, ok := m.requests.Get(requestID); !ok {
		return nil, apperr.NotFound("ride request", requestID)
	}
	if err := m.checkDriver(ctx, driverID); err != nil {
		return nil, err
	}

	bookingID := uuid.NewString()
	if err := m.claimDriver(driverID, bookingID); err != nil {
		return nil, err
	}
	code, err := m.reserveCode(ctx, bookingID)
	if err != nil {
		m.unclaimDriver(driverID, bookingID)
		return nil, err
	}

	now := m.opts.Now()
	req, err := m.requests.Update(requestID, func(cur models.RideRequest, ok bool) (models.RideRequest, error) {
		if !ok {
			return cur, apperr.NotFound("ride request", requestID)
		}
		if cur.Status != models.RequestPending {
			return cur, apperr.Newf(apperr.CodeConflict, "ride request is %s", cur.Status)
		}
		if cur.TargetDriverID != "" && cur.TargetDriverID != driverID {
			return cur, apperr.New(apperr.CodeNotTargetDriver, "ride request is reserved for another driver")
		}
		cur.Status = models.RequestAccepted
		cur.DriverID = driverID
		cur.BookingID = bookingID
		cur.UpdatedAt = now
		return cur, nil
	})
	if err != nil {
		m.unclaimDriver(driverID, bookingID)
		m.codes.Delete(code)
		return nil, err
	}
	b := m.materialize(ctx, req, bookingID, code)

	if err := m.drivers.Reserve(ctx, driverID); err != nil {
		m.log.Warn("reserve_driver_failed", "driver_id", driverID, "booking_id", b.ID, "error", err)
	}
	m.log.Info("ride_accepted", "request_id", req.ID, "booking_id", b.ID, "driver_id", driverID)
	dispatch.PublishAll(m.pub, dispatch.Event{
		Kind:    dispatch.KindRideAccepted,
		At:      now,
		Ride:    &req,
		Booking: b.Clone(),
	}, dispatch.TopicGlobal, dispatch.TopicDrivers, dispatch.BookingTopic(b.ID), dispatch.DriverTopic(driverID))
	return b.Clone(), nil
}

// checkDriver ensures the accepting driver exists and may take rides.
func (m *Manager) checkDriver(ctx context.Context, driverID string) error {
	d, err := m.drivers.Get(ctx, driverID)
	if err != nil {
		return err
	}
	if d.Status != models.ApprovalApproved {
		return apperr.Newf(apperr.CodeConflict, "driver is %s", d.Status)
	}
	return nil
}

// materialize creates the accepted booking for a request that had none.
func (m *Manager) materialize(ctx context.Context, req models.RideRequest, bookingID, code string) *models.Booking {
	now := m.opts.Now()
	fare := m.pricing.Quote(ctx, req.Pickup, req.Dropoff)
	b := &models.Booking{
		ID:              bookingID,
		ReservationCode: code,
		CustomerID:      req.CustomerID,
		DriverID:        req.DriverID,
		RequestID:       req.ID,
		Pickup:          req.Pickup,
		Dropoff:         req.Dropoff,
		VehicleClass:    req.VehicleClass,
		Passengers:      req.Passengers,
		Status:          models.StatusAccepted,
		Fare:            fare,
		BasePrice:       fare.Total,
		FinalPrice:      fare.Total,
		PaymentStatus:   models.PaymentUnpaid,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.bookings.Set(b.ID, b)
	observability.BookingsCreated.Inc()
	stored := b.Clone()
	m.persist(ctx, "insert_booking", b.ID, func(ctx context.Context) error { return m.store.Insert(ctx, stored) })
	return b
}

// assign flips a pending booking to accepted for driverID.
func (m *Manager) assign(ctx context.Context, bookingID, driverID string) (*models.Booking, error) {
	if _, err := m.load(ctx, bookingID); err != nil {
		return nil, err
	}
	now := m.opts.Now()
	b, err := m.bookings.Update(bookingID, func(cur *models.Booking, ok bool) (*models.Booking, error) {
		if !ok {
			return cur, apperr.NotFound("booking", bookingID)
		}
		if cur.Status != models.StatusPending {
			return cur, apperr.Newf(apperr.CodeConflict, "booking is %s", cur.Status)
		}
		next := cur.Clone()
		next.Status = models.StatusAccepted
		next.DriverID = driverID
		next.UpdatedAt = now
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	observability.TransitionsTotal.WithLabelValues(string(models.StatusPending), string(models.StatusAccepted), "ok").Inc()
	status := models.StatusAccepted
	m.persistPatch(ctx, bookingID, storage.BookingPatch{Status: &status, DriverID: &driverID, UpdatedAt: now})
	return b, nil
}

// AcceptBooking lets a driver take a pending booking created directly by a
// customer or guest.
func (m *Manager) AcceptBooking(ctx context.Context, bookingID, driverID string) (*models.Booking, error) {
	b, err := m.acceptBooking(ctx, bookingID, strings.TrimSpace(driverID))
	observability.AcceptsTotal.WithLabelValues(acceptOutcome(err)).Inc()
	return b, err
}

func (m *Manager) acceptBooking(ctx context.Context, bookingID, driverID string) (*models.Booking, error) {
	if driverID == "" {
		return nil, apperr.InvalidPayload("driver id is required")
	}
	if _, err := m.load(ctx, bookingID); err != nil {
		return nil, err
	}
	if err := m.checkDriver(ctx, driverID); err != nil {
		return nil, err
	}
	if err := m.claimDriver(driverID, bookingID); err != nil {
		return nil, err
	}
	b, err := m.assign(ctx, bookingID, driverID)
	if err != nil {
		m.unclaimDriver(driverID, bookingID)
		return nil, err
	}
	if err := m.drivers.Reserve(ctx, driverID); err != nil {
		m.log.Warn("reserve_driver_failed", "driver_id", driverID, "booking_id", bookingID, "error", err)
	}
	m.log.Info("booking_accepted", "booking_id", bookingID, "driver_id", driverID)
	m.publishBooking(dispatch.KindRideAccepted, b, &dispatch.Transition{From: models.StatusPending, To: models.StatusAccepted})
	dispatch.PublishAll(m.pub, dispatch.Event{Kind: dispatch.KindRideAccepted, At: b.UpdatedAt, Booking: b.Clone()}, dispatch.TopicDrivers)
	return b.Clone(), nil
}

// SweepRequests expires pending requests nobody accepted within the pending
// TTL, telling the drivers they were offered to, and drops settled requests
// older than the request TTL. It returns how many requests it touched.
func (m *Manager) SweepRequests(now time.Time) int {
	var stale []string
	m.requests.Range(func(id string, r models.RideRequest) bool {
		if r.Status == models.RequestPending && now.Sub(r.UpdatedAt) >= m.opts.PendingTTL {
			stale = append(stale, id)
		}
		return true
	})
	expired := 0
	for _, id := range stale {
		req, err := m.requests.Update(id, func(cur models.RideRequest, ok bool) (models.RideRequest, error) {
			if !ok || cur.Status != models.RequestPending || now.Sub(cur.UpdatedAt) < m.opts.PendingTTL {
				return cur, errNoop
			}
			cur.Status, cur.UpdatedAt = models.RequestCancelled, now
			return cur, nil
		})
		if err != nil {
			continue
		}
		expired++
		m.log.Info("ride_expired", "request_id", id)
		dispatch.PublishAll(m.pub, dispatch.Event{Kind: dispatch.KindRideCancelled, At: now, Ride: &req}, requestTopics(req)...)
	}

	removed := m.requests.DeleteFunc(func(_ string, r models.RideRequest) bool {
		return r.Status != models.RequestPending && now.Sub(r.UpdatedAt) >= m.opts.RequestTTL
	})
	return expired + removed
}

// requestTopics addresses everyone who may still be looking at req.
func requestTopics(req models.RideRequest) []dispatch.Topic {
	topics := []dispatch.Topic{dispatch.TopicGlobal, dispatch.TopicDrivers}
	if req.TargetDriverID != "" {
		return append(topics, dispatch.DriverTopic(req.TargetDriverID))
	}
	for _, id := range req.OfferedTo {
		topics = append(topics, dispatch.DriverTopic(id))
	}
	return topics
}

func acceptOutcome(err error) string {
	if err == nil {
		return "accepted"
	}
	return string(apperr.CodeOf(err))
}

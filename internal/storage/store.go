package storage

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// ErrNotFound is returned by lookups that match no record.
var ErrNotFound = apperr.ErrNotFound

// BookingStore defines persistence operations for bookings.
type BookingStore interface {
	Insert(ctx context.Context, b *models.Booking) error
	GetByID(ctx context.Context, id string) (*models.Booking, error)
	ListByCustomer(ctx context.Context, customerID string) ([]*models.Booking, error)
	ListByDriver(ctx context.Context, driverID string) ([]*models.Booking, error)
	// ListPending returns pending bookings, optionally narrowed to one class.
	ListPending(ctx context.Context, class models.VehicleClass) ([]*models.Booking, error)
	FindByPhoneAndCode(ctx context.Context, phone, code string) (*models.Booking, error)
	Update(ctx context.Context, id string, patch BookingPatch) error
	CodeExists(ctx context.Context, code string) (bool, error)
}

// DriverStore defines persistence operations for driver records.
type DriverStore interface {
	Save(ctx context.Context, d *models.Driver) error
	GetByID(ctx context.Context, id string) (*models.Driver, error)
	GetByEmail(ctx context.Context, email string) (*models.Driver, error)
	ListByStatus(ctx context.Context, status models.ApprovalStatus) ([]*models.Driver, error)
	Approve(ctx context.Context, id string) error
	Reject(ctx context.Context, id, reason string) error
	Delete(ctx context.Context, id string) error
	SaveLocation(ctx context.Context, id string, p models.Point, available bool, at time.Time) error
}

// BookingPatch lists the columns an update touches. Nil fields are left as is.
type BookingPatch struct {
	Status        *models.BookingStatus
	DriverID      *string
	RequestID     *string
	FinalPrice    *float64
	PaymentStatus *models.PaymentStatus
	PaymentMethod *models.PaymentMethod
	PaymentRef    *string
	PaidAt        *time.Time
	PickedUpAt    *time.Time
	CompletedAt   *time.Time
	CancelledAt   *time.Time
	Route         []models.RoutePoint
	CustomerRoute []models.RoutePoint
	UpdatedAt     time.Time
}

// Apply copies the set fields of p onto b.
func (p BookingPatch) Apply(b *models.Booking) {
	if p.Status != nil {
		b.Status = *p.Status
	}
	if p.DriverID != nil {
		b.DriverID = *p.DriverID
	}
	if p.RequestID != nil {
		b.RequestID = *p.RequestID
	}
	if p.FinalPrice != nil {
		b.FinalPrice = *p.FinalPrice
	}
	if p.PaymentStatus != nil {
		b.PaymentStatus = *p.PaymentStatus
	}
	if p.PaymentMethod != nil {
		b.PaymentMethod = *p.PaymentMethod
	}
	if p.PaymentRef != nil {
		b.PaymentRef = *p.PaymentRef
	}
	if p.PaidAt != nil {
		t := *p.PaidAt
		b.PaidAt = &t
	}
	if p.PickedUpAt != nil {
		t := *p.PickedUpAt
		b.PickedUpAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		b.CompletedAt = &t
	}
	if p.CancelledAt != nil {
		t := *p.CancelledAt
		b.CancelledAt = &t
	}
	if p.Route != nil {
		b.Route = append([]models.RoutePoint(nil), p.Route...)
	}
	if p.CustomerRoute != nil {
		b.CustomerRoute = append([]models.RoutePoint(nil), p.CustomerRoute...)
	}
	if !p.UpdatedAt.IsZero() {
		b.UpdatedAt = p.UpdatedAt
	}
}

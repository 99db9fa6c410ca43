package models

import "time"

// Point is a lat/lng pair with an optional human readable address.
type Point struct {
	Lat     float64 `json:"lat" db:"lat"`
	Lng     float64 `json:"lng" db:"lng"`
	Address string  `json:"address,omitempty" db:"address"`
}

// Valid reports whether the point is inside the WGS84 coordinate range.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// IsZero reports whether the point is the null island placeholder that
// clients send when they have no fix.
func (p Point) IsZero() bool { return p.Lat == 0 && p.Lng == 0 }

type VehicleClass string

const (
	VehicleSedan   VehicleClass = "sedan"
	VehicleSUV     VehicleClass = "suv"
	VehicleVan     VehicleClass = "van"
	VehiclePremium VehicleClass = "premium"
)

func (v VehicleClass) Valid() bool {
	switch v {
	case VehicleSedan, VehicleSUV, VehicleVan, VehiclePremium:
		return true
	}
	return false
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	// ApprovalAll is only meaningful as a list filter.
	ApprovalAll ApprovalStatus = "all"
)

type Driver struct {
	ID              string         `json:"id" db:"id"`
	Name            string         `json:"name" db:"name"`
	Email           string         `json:"email" db:"email"`
	Phone           string         `json:"phone" db:"phone"`
	VehicleClass    VehicleClass   `json:"vehicle_class" db:"vehicle_class"`
	Location        *Point         `json:"location,omitempty"`
	LocationAt      time.Time      `json:"location_at,omitempty"`
	Available       bool           `json:"available" db:"available"`
	Status          ApprovalStatus `json:"status" db:"status"`
	RejectionReason string         `json:"rejection_reason,omitempty" db:"rejection_reason"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" db:"updated_at"`
}

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestAccepted  RequestStatus = "accepted"
	RequestCancelled RequestStatus = "cancelled"
)

type RideRequest struct {
	ID             string       `json:"id"`
	CustomerID     string       `json:"customer_id,omitempty"`
	Pickup         Point        `json:"pickup"`
	Dropoff        Point        `json:"dropoff"`
	VehicleClass   VehicleClass `json:"vehicle_class"`
	Passengers     int          `json:"passengers,omitempty"`
	TargetDriverID string       `json:"target_driver_id,omitempty"`
	// OfferedTo lists the drivers the request was pushed to.
	OfferedTo []string      `json:"offered_to,omitempty"`
	Status    RequestStatus `json:"status"`
	DriverID  string        `json:"driver_id,omitempty"`
	BookingID string        `json:"booking_id,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type BookingStatus string

const (
	StatusPending       BookingStatus = "pending"
	StatusAccepted      BookingStatus = "accepted"
	StatusDriverEnRoute BookingStatus = "driver_en_route"
	StatusDriverArrived BookingStatus = "driver_arrived"
	StatusInProgress    BookingStatus = "in_progress"
	StatusCompleted     BookingStatus = "completed"
	StatusCancelled     BookingStatus = "cancelled"
)

func (s BookingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
)

type PaymentMethod string

const (
	PaymentCard PaymentMethod = "card"
	PaymentCash PaymentMethod = "cash"
)

// Fare is the breakdown produced by the pricing engine.
type Fare struct {
	DistanceKm  float64 `json:"distance_km"`
	DriverFare  float64 `json:"driver_fare"`
	PlatformFee float64 `json:"platform_fee"`
	Total       float64 `json:"total"`
	Currency    string  `json:"currency"`
}

type RoutePoint struct {
	Lat float64   `json:"lat"`
	Lng float64   `json:"lng"`
	At  time.Time `json:"at"`
}

type Booking struct {
	ID              string        `json:"id"`
	ReservationCode string        `json:"reservation_code"`
	CustomerID      string        `json:"customer_id,omitempty"`
	GuestName       string        `json:"guest_name,omitempty"`
	GuestPhone      string        `json:"guest_phone,omitempty"`
	DriverID        string        `json:"driver_id,omitempty"`
	RequestID       string        `json:"request_id,omitempty"`
	Pickup          Point         `json:"pickup"`
	Dropoff         Point         `json:"dropoff"`
	VehicleClass    VehicleClass  `json:"vehicle_class"`
	Passengers      int           `json:"passengers"`
	Status          BookingStatus `json:"status"`
	Fare            Fare          `json:"fare"`
	BasePrice       float64       `json:"base_price"`
	FinalPrice      float64       `json:"final_price"`
	PaymentStatus   PaymentStatus `json:"payment_status"`
	PaymentMethod   PaymentMethod `json:"payment_method,omitempty"`
	PaymentRef      string        `json:"payment_ref,omitempty"`
	PaidAt          *time.Time    `json:"paid_at,omitempty"`
	Route           []RoutePoint  `json:"route,omitempty"`
	CustomerRoute   []RoutePoint  `json:"customer_route,omitempty"`
	PickedUpAt      *time.Time    `json:"picked_up_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	CancelledAt     *time.Time    `json:"cancelled_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Clone returns a deep copy so callers never alias the in-memory table.
func (b *Booking) Clone() *Booking {
	if b == nil {
		return nil
	}
	c := *b
	c.Route = append([]RoutePoint(nil), b.Route...)
	c.CustomerRoute = append([]RoutePoint(nil), b.CustomerRoute...)
	c.PaidAt = cloneTime(b.PaidAt)
	c.PickedUpAt = cloneTime(b.PickedUpAt)
	c.CompletedAt = cloneTime(b.CompletedAt)
	c.CancelledAt = cloneTime(b.CancelledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type Role string

const (
	RoleDriver   Role = "driver"
	RoleCustomer Role = "customer"
)

// LocationSample is an ephemeral position report.
type LocationSample struct {
	HolderID   string    `json:"holder_id"`
	Role       Role      `json:"role"`
	BookingID  string    `json:"booking_id,omitempty"`
	Point      Point     `json:"point"`
	CapturedAt time.Time `json:"captured_at"`
}

// Fresh reports whether the sample is strictly younger than window at now.
func (s LocationSample) Fresh(now time.Time, window time.Duration) bool {
	return now.Sub(s.CapturedAt) < window
}

// Candidate is a driver offered for a pickup, ranked by distance.
type Candidate struct {
	DriverID       string       `json:"driver_id"`
	VehicleClass   VehicleClass `json:"vehicle_class"`
	Location       Point        `json:"location"`
	DistanceMeters float64      `json:"distance_m"`
	ETASeconds     float64      `json:"eta_seconds"`
}

package dispatch

import (
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Topic names a fan-out channel.
type Topic string

const (
	// TopicGlobal carries every location and lifecycle event (map overlays).
	TopicGlobal Topic = "global"
	// TopicDrivers carries ride offers for every online driver.
	TopicDrivers Topic = "drivers"
)

func BookingTopic(id string) Topic { return Topic("booking:" + id) }

func DriverTopic(id string) Topic { return Topic("driver:" + id) }

// DriverID returns the driver a driver-scoped topic addresses.
func (t Topic) DriverID() (string, bool) {
	s := string(t)
	if !strings.HasPrefix(s, "driver:") {
		return "", false
	}
	return strings.TrimPrefix(s, "driver:"), true
}

type Kind string

const (
	KindRideRequested    Kind = "ride.requested"
	KindRideAccepted     Kind = "ride.accepted"
	KindRideCancelled    Kind = "ride.cancelled"
	KindBookingCreated   Kind = "booking.created"
	KindBookingStatus    Kind = "booking.status"
	KindBookingPayment   Kind = "booking.payment"
	KindDriverLocation   Kind = "location.driver"
	KindCustomerLocation Kind = "location.customer"
)

type Transition struct {
	From models.BookingStatus `json:"from"`
	To   models.BookingStatus `json:"to"`
}

// Event is the only payload shape published on any topic.
type Event struct {
	Kind       Kind                   `json:"type"`
	Topic      Topic                  `json:"topic"`
	At         time.Time              `json:"at"`
	Ride       *models.RideRequest    `json:"ride,omitempty"`
	Booking    *models.Booking        `json:"booking,omitempty"`
	Location   *models.LocationSample `json:"location,omitempty"`
	Transition *Transition            `json:"transition,omitempty"`
}

// Publisher delivers events fire-and-forget. Implementations must not block
// the caller on slow consumers.
type Publisher interface {
	Publish(topic Topic, ev Event)
}

// Fanout publishes every event to all of its members.
type Fanout []Publisher

func (f Fanout) Publish(topic Topic, ev Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(topic, ev)
		}
	}
}

// PublishAll sends ev to each topic in turn.
func PublishAll(p Publisher, ev Event, topics ...Topic) {
	if p == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	for _, t := range topics {
		p.Publish(t, ev)
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Topic, Event) {}

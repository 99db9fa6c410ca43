package httpapi

import (
	"net/http"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/logging"
)

// handleBookingWS streams lifecycle and location events of one booking.
func (s *Server) handleBookingWS(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if _, err := s.bookings.Get(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serveWS(w, r, dispatch.BookingTopic(id))
}

// handleDriverWS streams ride offers addressed to one driver.
func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if _, err := s.drivers.Get(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serveWS(w, r, dispatch.DriverTopic(id))
}

// handleMapWS streams every event for live map overlays.
func (s *Server) handleMapWS(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, dispatch.TopicGlobal)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, topic dispatch.Topic) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		return
	}
	log := logging.FromContext(r.Context(), s.logger)
	log.Info("ws_connected", "topic", topic)
	session := dispatch.NewWSSession(conn, s.hub, topic, log)
	go session.Run()
}

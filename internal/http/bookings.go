package httpapi

import (
	"net/http"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/models"
)

type createBookingBody struct {
	CustomerID    string               `json:"customer_id"`
	GuestName     string               `json:"guest_name"`
	GuestPhone    string               `json:"guest_phone"`
	Pickup        models.Point         `json:"pickup"`
	Dropoff       models.Point         `json:"dropoff"`
	VehicleClass  models.VehicleClass  `json:"vehicle_class"`
	Passengers    int                  `json:"passengers"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var body createBookingBody
	if err := decode(w, r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.bookings.Create(r.Context(), booking.CreateParams(body))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, b)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.bookings.Get(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, b)
}

func (s *Server) handleLookupBooking(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	b, err := s.bookings.GetByCode(r.Context(), q.Get("phone"), q.Get("code"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, b)
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if st := q.Get("status"); st != "" && st != string(models.StatusPending) {
		s.writeError(w, r, apperr.Newf(apperr.CodeInvalidPayload, "only status=pending can be listed, got %q", st))
		return
	}
	list, err := s.bookings.ListPending(r.Context(), models.VehicleClass(q.Get("vehicle_class")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, list)
}

func (s *Server) handleCustomerBookings(w http.ResponseWriter, r *http.Request) {
	list, err := s.bookings.ListByCustomer(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, list)
}

func (s *Server) handleDriverBookings(w http.ResponseWriter, r *http.Request) {
	list, err := s.bookings.ListByDriver(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, list)
}

func (s *Server) handleAcceptBooking(w http.ResponseWriter, r *http.Request) {
	var body acceptBody
	if err := decode(w, r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.bookings.AcceptBooking(r.Context(), pathID(r), body.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, b)
}

type statusBody struct {
	Status models.BookingStatus `json:"status"`
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var body statusBody
	if err := decode(w, r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.bookings.SetStatus(r.Context(), pathID(r), body.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, b)
}

type paymentBody struct {
	Amount     *float64             `json:"amount"`
	Method     models.PaymentMethod `json:"method"`
	PaymentRef string               `json:"payment_ref"`
}

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	var body paymentBody
	if err := decode(w, r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.bookings.RecordPayment(r.Context(), pathID(r), booking.PaymentParams(body))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, b)
}

func (s *Server) handleReconcileCash(w http.ResponseWriter, r *http.Request) {
	b, err := s.bookings.ReconcileCash(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, b)
}

type pointBody struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (s *Server) handleReportCustomerLocation(w http.ResponseWriter, r *http.Request) {
	var body pointBody
	if err := decode(w, r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	sample, err := s.tracking.ReportCustomerLocation(r.Context(), pathID(r), models.Point{Lat: body.Lat, Lng: body.Lng})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusAccepted, sample)
}

// handleGetCustomerLocation answers with data=null when the sample is
// missing or stale.
func (s *Server) handleGetCustomerLocation(w http.ResponseWriter, r *http.Request) {
	sample, err := s.tracking.GetCustomerLocation(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sample == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": nil})
		return
	}
	writeData(w, http.StatusOK, sample)
}

package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

type registerDriverBody struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Email        string              `json:"email"`
	Phone        string              `json:"phone"`
	VehicleClass models.VehicleClass `json:"vehicle_class"`
	Location     *models.Point       `json:"location"`
	Available    bool                `json:"available"`
}

// handleRegisterDriver creates or updates a driver profile. Approval status
// is kept for known drivers and starts pending for new ones.
func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var body registerDriverBody
	if err := decode(w, r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	d := models.Driver{
		ID:           strings.TrimSpace(body.ID),
		Name:         strings.TrimSpace(body.Name),
		Email:        strings.TrimSpace(body.Email),
		Phone:        strings.TrimSpace(body.Phone),
		VehicleClass: body.VehicleClass,
		Location:     body.Location,
		Available:    body.Available,
		Status:       models.ApprovalPending,
	}
	status := http.StatusCreated
	if d.ID != "" {
		existing, err := s.drivers.Get(r.Context(), d.ID)
		switch {
		case err == nil:
			d.Status, d.RejectionReason, d.CreatedAt = existing.Status, existing.RejectionReason, existing.CreatedAt
			if d.Location == nil {
				d.Location = existing.Location
			}
			status = http.StatusOK
		case !errors.Is(err, apperr.ErrNotFound):
			s.writeError(w, r, err)
			return
		}
	}
	saved, err := s.drivers.Upsert(r.Context(), d)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, status, saved)
}

func (s *Server) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	list, err := s.drivers.ListByStatus(r.Context(), models.ApprovalStatus(r.URL.Query().Get("status")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, list)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	d, err := s.drivers.Get(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, d)
}

func (s *Server) handleDeleteDriver(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if _, busy := s.bookings.ActiveBookingFor(id); busy {
		s.writeError(w, r, apperr.Conflict("driver is serving a booking"))
		return
	}
	if err := s.drivers.Purge(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type availabilityBody struct {
	Available bool          `json:"available"`
	Location  *models.Point `json:"location"`
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var body availabilityBody
	if err := decode(w, r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.drivers.SetAvailability(r.Context(), pathID(r), body.Available, body.Location)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, d)
}

func (s *Server) handleApproveDriver(w http.ResponseWriter, r *http.Request) {
	d, err := s.drivers.Approve(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, d)
}

type rejectBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRejectDriver(w http.ResponseWriter, r *http.Request) {
	var body rejectBody
	if err := decode(w, r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.drivers.Reject(r.Context(), pathID(r), body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, d)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var body pointBody
	if err := decode(w, r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	sample, err := s.tracking.ReportDriverLocation(r.Context(), pathID(r), models.Point{Lat: body.Lat, Lng: body.Lng})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusAccepted, sample)
}

package httpapi

import (
	"net/http"
	"strconv"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
)

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var req matcher.DispatchRequest
	if err := decode(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.matcher.Dispatch(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if res.Candidates == nil {
		res.Candidates = []models.Candidate{}
	}
	writeData(w, http.StatusCreated, res)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	req, err := s.bookings.GetRequest(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, req)
}

type acceptBody struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	var body acceptBody
	if err := decode(w, r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.bookings.Accept(r.Context(), pathID(r), body.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, b)
}

// handleCancel serves both ride and booking cancellation; the manager
// resolves which kind of id it was given.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	res, err := s.bookings.Cancel(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	if errLat != nil || errLng != nil {
		s.writeError(w, r, apperr.InvalidPayload("lat and lng query parameters are required"))
		return
	}
	cands, err := s.matcher.Candidates(r.Context(), models.Point{Lat: lat, Lng: lng}, models.VehicleClass(q.Get("vehicle_class")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, cands)
}

type farePreviewBody struct {
	Pickup  models.Point `json:"pickup"`
	Dropoff models.Point `json:"dropoff"`
}

func (s *Server) handleFarePreview(w http.ResponseWriter, r *http.Request) {
	var body farePreviewBody
	if err := decode(w, r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !body.Pickup.Valid() || body.Pickup.IsZero() || !body.Dropoff.Valid() || body.Dropoff.IsZero() {
		s.writeError(w, r, apperr.InvalidPayload("pickup and dropoff coordinates are required"))
		return
	}
	writeData(w, http.StatusOK, s.pricing.Quote(r.Context(), body.Pickup, body.Dropoff))
}

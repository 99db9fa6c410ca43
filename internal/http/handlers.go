package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/tracking"
)

// Deps are the engine components the API exposes.
type Deps struct {
	Matcher  *matcher.Service
	Bookings *booking.Manager
	Drivers  *registry.Registry
	Tracking *tracking.Service
	Pricing  *pricing.Engine
	Hub      *dispatch.Hub
	Logger   *slog.Logger
	// Ready reports whether backing services are reachable. Nil means
	// always ready.
	Ready func(ctx context.Context) error
}

type Server struct {
	matcher  *matcher.Service
	bookings *booking.Manager
	drivers  *registry.Registry
	tracking *tracking.Service
	pricing  *pricing.Engine
	hub      *dispatch.Hub
	ready    func(ctx context.Context) error
	logger   *slog.Logger
	upgrader websocket.Upgrader
	mux      *mux.Router
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		matcher:  d.Matcher,
		bookings: d.Bookings,
		drivers:  d.Drivers,
		tracking: d.Tracking,
		pricing:  d.Pricing,
		hub:      d.Hub,
		ready:    d.Ready,
		logger:   logger,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/rides/request", s.handleRideRequest).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/accept", s.handleAcceptRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/candidates", s.handleCandidates).Methods(http.MethodGet)
	api.HandleFunc("/fares/preview", s.handleFarePreview).Methods(http.MethodPost)

	api.HandleFunc("/bookings", s.handleCreateBooking).Methods(http.MethodPost)
	api.HandleFunc("/bookings", s.handleListPending).Methods(http.MethodGet)
	api.HandleFunc("/bookings/lookup", s.handleLookupBooking).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}", s.handleGetBooking).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}/accept", s.handleAcceptBooking).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/status", s.handleSetStatus).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/payment", s.handlePayment).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/payment/reconcile", s.handleReconcileCash).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/customer-location", s.handleReportCustomerLocation).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/customer-location", s.handleGetCustomerLocation).Methods(http.MethodGet)
	api.HandleFunc("/customers/{id}/bookings", s.handleCustomerBookings).Methods(http.MethodGet)

	api.HandleFunc("/drivers", s.handleRegisterDriver).Methods(http.MethodPost)
	api.HandleFunc("/drivers", s.handleListDrivers).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}", s.handleGetDriver).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}", s.handleDeleteDriver).Methods(http.MethodDelete)
	api.HandleFunc("/drivers/{id}/availability", s.handleAvailability).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/approve", s.handleApproveDriver).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/reject", s.handleRejectDriver).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/location", s.handleDriverLocation).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/bookings", s.handleDriverBookings).Methods(http.MethodGet)

	s.mux.HandleFunc("/ws/bookings/{id}", s.handleBookingWS)
	s.mux.HandleFunc("/ws/drivers/{id}", s.handleDriverWS)
	s.mux.HandleFunc("/ws/map", s.handleMapWS)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("not_ready", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

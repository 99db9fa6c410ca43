package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	DispatchesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "dispatches_total", Help: "Total ride requests dispatched"})
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "dispatch_latency_seconds", Help: "Candidate selection latency seconds"})
	CandidatesFound = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_candidates",
		Help:      "Number of ranked candidates per dispatch",
		Buckets:   []float64{0, 1, 2, 3, 5, 10, 20, 50},
	})

	AcceptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "accepts_total", Help: "Accept attempts by outcome"},
		[]string{"outcome"},
	)
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "booking_transitions_total", Help: "Booking status transitions"},
		[]string{"from", "to", "result"},
	)
	BookingsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "bookings_created_total", Help: "Bookings created"})

	DriversAvailable = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_available", Help: "Number of drivers currently available"})

	LocationReports = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_reports_total", Help: "Location samples received"},
		[]string{"role"},
	)
	LocationWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "driver_location_writes_total", Help: "Driver location samples by persistence decision"},
		[]string{"decision"},
	)

	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "storage_errors_total", Help: "Durable store failures absorbed by the engine"},
		[]string{"op"},
	)
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Events handed to a sink"},
		[]string{"sink"},
	)
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Events dropped by a sink"},
		[]string{"sink"},
	)

	IngestMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ingest_messages_total", Help: "Driver location messages read from kafka by result"},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

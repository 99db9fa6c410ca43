package matcher

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	DefaultRadiusMeters = 3000
	DefaultTopN         = 10
)

// Drivers exposes filtered snapshots of the live driver overlay.
type Drivers interface {
	Snapshot(keep func(d *models.Driver) bool) []models.Driver
}

// Requests records dispatched ride requests.
type Requests interface {
	RecordRequest(ctx context.Context, req models.RideRequest) (models.RideRequest, error)
}

type Service struct {
	Drivers      Drivers
	Requests     Requests
	Publisher    dispatch.Publisher
	ETA          *eta.Estimator
	RadiusMeters float64
	TopN         int
	Logger       *slog.Logger
}

type DispatchRequest struct {
	CustomerID     string              `json:"customer_id,omitempty"`
	Pickup         models.Point        `json:"pickup"`
	Dropoff        models.Point        `json:"dropoff"`
	VehicleClass   models.VehicleClass `json:"vehicle_class"`
	Passengers     int                 `json:"passengers,omitempty"`
	TargetDriverID string              `json:"target_driver_id,omitempty"`
}

type DispatchResult struct {
	Request    models.RideRequest `json:"request"`
	Candidates []models.Candidate `json:"candidates"`
	// All is the full ranked set before the cap; not serialized.
	All []models.Candidate `json:"-"`
}

// Dispatch ranks nearby drivers for the pickup, records the request as
// pending and offers it to drivers. An unmatched target driver yields an
// empty candidate list, never an error.
func (s *Service) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	if !req.Pickup.Valid() || req.Pickup.IsZero() {
		return DispatchResult{}, apperr.InvalidPayload("pickup coordinates are invalid")
	}
	if !req.Dropoff.Valid() || req.Dropoff.IsZero() {
		return DispatchResult{}, apperr.InvalidPayload("dropoff coordinates are invalid")
	}
	if !req.VehicleClass.Valid() {
		return DispatchResult{}, apperr.Newf(apperr.CodeInvalidPayload, "unknown vehicle class %q", req.VehicleClass)
	}
	req.TargetDriverID = strings.TrimSpace(req.TargetDriverID)

	start := time.Now()
	capped, all := s.rank(req.Pickup, req.VehicleClass, req.TargetDriverID)
	observability.DispatchLatency.Observe(time.Since(start).Seconds())
	observability.CandidatesFound.Observe(float64(len(all)))

	offered := make([]string, 0, len(capped))
	for _, c := range capped {
		offered = append(offered, c.DriverID)
	}
	recorded, err := s.Requests.RecordRequest(ctx, models.RideRequest{
		CustomerID:     req.CustomerID,
		Pickup:         req.Pickup,
		Dropoff:        req.Dropoff,
		VehicleClass:   req.VehicleClass,
		Passengers:     req.Passengers,
		TargetDriverID: req.TargetDriverID,
		OfferedTo:      offered,
	})
	if err != nil {
		return DispatchResult{}, err
	}
	observability.DispatchesTotal.Inc()

	topics := []dispatch.Topic{dispatch.TopicGlobal, dispatch.TopicDrivers}
	if req.TargetDriverID != "" {
		topics = append(topics, dispatch.DriverTopic(req.TargetDriverID))
	} else {
		for _, id := range recorded.OfferedTo {
			topics = append(topics, dispatch.DriverTopic(id))
		}
	}
	ride := recorded
	dispatch.PublishAll(s.Publisher, dispatch.Event{Kind: dispatch.KindRideRequested, At: recorded.CreatedAt, Ride: &ride}, topics...)

	s.logger().Info("ride_dispatched",
		"request_id", recorded.ID,
		"vehicle_class", req.VehicleClass,
		"target_driver_id", req.TargetDriverID,
		"candidates", len(all),
	)
	return DispatchResult{Request: recorded, Candidates: capped, All: all}, nil
}

// Candidates ranks drivers for a pickup without recording anything. An empty
// class matches every vehicle class.
func (s *Service) Candidates(ctx context.Context, pickup models.Point, class models.VehicleClass) ([]models.Candidate, error) {
	if !pickup.Valid() || pickup.IsZero() {
		return nil, apperr.InvalidPayload("pickup coordinates are invalid")
	}
	if class != "" && !class.Valid() {
		return nil, apperr.Newf(apperr.CodeInvalidPayload, "unknown vehicle class %q", class)
	}
	capped, _ := s.rank(pickup, class, "")
	return capped, nil
}

// rank returns the capped list (with routed ETAs) and the full ranked set.
func (s *Service) rank(pickup models.Point, class models.VehicleClass, target string) ([]models.Candidate, []models.Candidate) {
	radius := s.RadiusMeters
	if radius <= 0 {
		radius = DefaultRadiusMeters
	}
	topN := s.TopN
	if topN <= 0 {
		topN = DefaultTopN
	}
	box := geo.BoundingBox(pickup, radius)

	// Snapshot is ordered by driver id, so the stable sort below breaks
	// distance ties by id.
	drivers := s.Drivers.Snapshot(func(d *models.Driver) bool {
		if !d.Available || d.Status != models.ApprovalApproved || d.Location == nil {
			return false
		}
		if class != "" && d.VehicleClass != class {
			return false
		}
		if target != "" && d.ID != target {
			return false
		}
		return box.Contains(*d.Location)
	})

	all := make([]models.Candidate, 0, len(drivers))
	for _, d := range drivers {
		all = append(all, models.Candidate{
			DriverID:       d.ID,
			VehicleClass:   d.VehicleClass,
			Location:       *d.Location,
			DistanceMeters: geo.HaversineMeters(pickup, *d.Location),
		})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].DistanceMeters < all[j].DistanceMeters })

	speed := 0.0
	if s.ETA != nil {
		speed = s.ETA.SpeedMps
	}
	for i := range all {
		if i < topN {
			all[i].ETASeconds = s.ETA.Estimate(all[i].Location, pickup)
		} else {
			all[i].ETASeconds = eta.EstimateSeconds(all[i].Location, pickup, speed)
		}
	}
	capped := all
	if len(capped) > topN {
		capped = capped[:topN:topN]
	}
	return capped, all
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

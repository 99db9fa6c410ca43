// Package pricing turns trip distances into fare breakdowns.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Rate is the per-distance tariff applied to a trip.
type Rate struct {
	DriverPerKm        float64 `json:"driver_per_km"`
	PlatformFeePercent float64 `json:"platform_fee_percent"`
	Currency           string  `json:"currency"`
}

// DefaultRate is used whenever the configured rate cannot be loaded.
var DefaultRate = Rate{DriverPerKm: 1, PlatformFeePercent: 3, Currency: "EUR"}

func (r Rate) Validate() error {
	switch {
	case r.DriverPerKm <= 0 || math.IsNaN(r.DriverPerKm) || math.IsInf(r.DriverPerKm, 0):
		return fmt.Errorf("driver_per_km must be > 0, got %v", r.DriverPerKm)
	case r.PlatformFeePercent < 0 || math.IsNaN(r.PlatformFeePercent):
		return fmt.Errorf("platform_fee_percent must be >= 0, got %v", r.PlatformFeePercent)
	case r.Currency == "":
		return fmt.Errorf("currency is required")
	}
	return nil
}

// Round2 rounds to the cent, half away from zero. The epsilon absorbs binary
// representation error so 1.005 rounds to 1.01.
func Round2(v float64) float64 {
	if v < 0 {
		return -Round2(-v)
	}
	return math.Floor(v*100+0.5+1e-9) / 100
}

// ComputeFare is the pure pricing function.
func ComputeFare(distanceKm float64, rate Rate) models.Fare {
	if distanceKm < 0 || math.IsNaN(distanceKm) {
		distanceKm = 0
	}
	driverFare := Round2(distanceKm * rate.DriverPerKm)
	total := Round2(driverFare * (1 + rate.PlatformFeePercent/100))
	return models.Fare{
		DistanceKm:  Round2(distanceKm),
		DriverFare:  driverFare,
		PlatformFee: Round2(total - driverFare),
		Total:       total,
		Currency:    rate.Currency,
	}
}

// RateSource supplies the active tariff.
type RateSource interface {
	Rate(ctx context.Context) (Rate, error)
}

// StaticRate serves a fixed tariff, usually taken from configuration.
type StaticRate Rate

func (s StaticRate) Rate(context.Context) (Rate, error) { return Rate(s), nil }

// Chain asks each source in turn and serves the first valid tariff.
type Chain []RateSource

func (c Chain) Rate(ctx context.Context) (Rate, error) {
	var errs []error
	for _, src := range c {
		r, err := src.Rate(ctx)
		if err == nil {
			err = r.Validate()
		}
		if err == nil {
			return r, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return Rate{}, errors.New("no rate source configured")
	}
	return Rate{}, errors.Join(errs...)
}

// Engine resolves the tariff and computes fares. It never fails: a missing
// or invalid tariff degrades to DefaultRate.
type Engine struct {
	source RateSource
	logger *slog.Logger
}

func NewEngine(source RateSource, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{source: source, logger: logger}
}

func (e *Engine) CurrentRate(ctx context.Context) Rate {
	if e.source == nil {
		return DefaultRate
	}
	r, err := e.source.Rate(ctx)
	if err == nil {
		err = r.Validate()
	}
	if err != nil {
		e.logger.Warn("rate_unavailable_using_default", "error", err)
		return DefaultRate
	}
	return r
}

func (e *Engine) Fare(ctx context.Context, distanceKm float64) models.Fare {
	return ComputeFare(distanceKm, e.CurrentRate(ctx))
}

// Quote prices the great-circle distance between pickup and dropoff.
func (e *Engine) Quote(ctx context.Context, pickup, dropoff models.Point) models.Fare {
	return e.Fare(ctx, geo.HaversineKm(pickup, dropoff))
}

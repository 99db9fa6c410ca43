package pricing

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestRound2(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{0, 0},
		{1.005, 1.01},
		{1.004, 1},
		{2.675, 2.68},
		{6.1849, 6.18},
		{6.185, 6.19},
		{-1.005, -1.01},
		{10, 10},
	}
	for _, c := range cases {
		if got := Round2(c.in); got != c.want {
			t.Fatalf("Round2(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestComputeFareBreakdown(t *testing.T) {
	f := ComputeFare(10, Rate{DriverPerKm: 1.5, PlatformFeePercent: 10, Currency: "EUR"})
	if f.DriverFare != 15 || f.Total != 16.5 || f.PlatformFee != 1.5 || f.Currency != "EUR" {
		t.Fatalf("unexpected fare %+v", f)
	}
}

func TestComputeFareSumsAndIsDeterministic(t *testing.T) {
	rates := []Rate{
		DefaultRate,
		{DriverPerKm: 1.37, PlatformFeePercent: 7.5, Currency: "EUR"},
		{DriverPerKm: 0.99, PlatformFeePercent: 0, Currency: "TRY"},
	}
	for _, r := range rates {
		for d := 0.0; d < 50; d += 0.731 {
			a := ComputeFare(d, r)
			b := ComputeFare(d, r)
			if a != b {
				t.Fatalf("non deterministic fare for %v: %+v vs %+v", d, a, b)
			}
			if math.Abs(a.PlatformFee+a.DriverFare-a.Total) > 0.005 {
				t.Fatalf("fee+driver != total for %v: %+v", d, a)
			}
		}
	}
}

func TestScenarioAQuote(t *testing.T) {
	e := NewEngine(StaticRate{DriverPerKm: 1, PlatformFeePercent: 3, Currency: "EUR"}, nil)
	f := e.Quote(context.Background(), models.Point{Lat: 41.0, Lng: 29.0}, models.Point{Lat: 41.05, Lng: 29.05})
	// great-circle distance for this pair is 6.964km
	if f.DistanceKm < 6.9 || f.DistanceKm > 7.0 {
		t.Fatalf("unexpected distance %v", f.DistanceKm)
	}
	if math.Abs(f.DriverFare-f.DistanceKm) > 0.01 {
		t.Fatalf("driver fare %v should equal distance %v at 1/km", f.DriverFare, f.DistanceKm)
	}
	if math.Abs(f.Total-Round2(f.DriverFare*1.03)) > 1e-9 {
		t.Fatalf("total %v, want %v", f.Total, Round2(f.DriverFare*1.03))
	}
}

type failingSource struct{}

func (failingSource) Rate(context.Context) (Rate, error) {
	return Rate{}, errors.New("config store down")
}

func TestEngineFallsBackToDefault(t *testing.T) {
	cases := []struct {
		name string
		src  RateSource
	}{
		{"nil source", nil},
		{"erroring source", failingSource{}},
		{"invalid rate", StaticRate{DriverPerKm: 0, PlatformFeePercent: 3, Currency: "EUR"}},
		{"missing currency", StaticRate{DriverPerKm: 2, PlatformFeePercent: 3}},
	}
	for _, c := range cases {
		e := NewEngine(c.src, nil)
		if got := e.CurrentRate(context.Background()); got != DefaultRate {
			t.Fatalf("%s: expected default rate, got %+v", c.name, got)
		}
	}
}

func TestChainFallsThroughToConfiguredRate(t *testing.T) {
	configured := StaticRate{DriverPerKm: 1.5, PlatformFeePercent: 4, Currency: "TRY"}
	missingHash := newRedisRateSourceWith(&fakeRateReader{m: map[string]string{}})
	e := NewEngine(Chain{missingHash, configured}, nil)
	if got := e.CurrentRate(context.Background()); got != Rate(configured) {
		t.Fatalf("expected configured rate, got %+v", got)
	}

	live := StaticRate{DriverPerKm: 2, PlatformFeePercent: 3, Currency: "TRY"}
	if got := NewEngine(Chain{live, configured}, nil).CurrentRate(context.Background()); got != Rate(live) {
		t.Fatalf("first valid source should win, got %+v", got)
	}
	if got := NewEngine(Chain{failingSource{}}, nil).CurrentRate(context.Background()); got != DefaultRate {
		t.Fatalf("exhausted chain should fall back to default, got %+v", got)
	}
	if _, err := (Chain{}).Rate(context.Background()); err == nil {
		t.Fatalf("empty chain should report an error")
	}
}

type fakeRateReader struct {
	m   map[string]string
	err error
}

func (f *fakeRateReader) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return f.m, f.err
}

func TestRedisRateSource(t *testing.T) {
	src := newRedisRateSourceWith(&fakeRateReader{m: map[string]string{
		"driver_per_km":        "1.25",
		"platform_fee_percent": "5",
		"currency":             "USD",
	}})
	r, err := src.Rate(context.Background())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if r != (Rate{DriverPerKm: 1.25, PlatformFeePercent: 5, Currency: "USD"}) {
		t.Fatalf("unexpected rate %+v", r)
	}

	empty := newRedisRateSourceWith(&fakeRateReader{m: map[string]string{}})
	if _, err := empty.Rate(context.Background()); err == nil {
		t.Fatalf("expected error for empty hash")
	}
	e := NewEngine(empty, nil)
	if got := e.CurrentRate(context.Background()); got != DefaultRate {
		t.Fatalf("expected fallback, got %+v", got)
	}
}

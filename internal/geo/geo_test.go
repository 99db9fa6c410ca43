package geo

import (
	"math"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	a := models.Point{Lat: 41.0, Lng: 29.0}
	b := models.Point{Lat: 41.05, Lng: 29.05}
	km := HaversineKm(a, b)
	if km < 6.9 || km > 7.0 {
		t.Fatalf("expected ~6.96km, got %f", km)
	}
	if m := HaversineMeters(a, b); math.Abs(m-km*1000) > 1e-6 {
		t.Fatalf("meters and km disagree: %f vs %f", m, km)
	}
}

func TestBoundingBox(t *testing.T) {
	center := models.Point{Lat: 41.0, Lng: 29.0}
	box := BoundingBox(center, 3000)

	wantDLat := 3000 / 111320.0
	if math.Abs((box.MaxLat-center.Lat)-wantDLat) > 1e-12 {
		t.Fatalf("unexpected lat delta %f", box.MaxLat-center.Lat)
	}
	wantDLng := 3000 / (111320.0 * math.Cos(41.0*math.Pi/180))
	if math.Abs((box.MaxLng-center.Lng)-wantDLng) > 1e-12 {
		t.Fatalf("unexpected lng delta %f", box.MaxLng-center.Lng)
	}

	cases := []struct {
		name string
		p    models.Point
		want bool
	}{
		{"center", center, true},
		{"2km north", models.Point{Lat: 41.018, Lng: 29.0}, true},
		{"5km north", models.Point{Lat: 41.045, Lng: 29.0}, false},
		{"far east", models.Point{Lat: 41.0, Lng: 29.1}, false},
	}
	for _, c := range cases {
		if got := box.Contains(c.p); got != c.want {
			t.Fatalf("%s: Contains = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestBoundingBoxAcrossAntimeridian(t *testing.T) {
	cases := []struct {
		name   string
		center models.Point
		p      models.Point
		want   bool
	}{
		{"east edge sees west", models.Point{Lat: -16.5, Lng: 179.999}, models.Point{Lat: -16.5, Lng: -179.999}, true},
		{"west edge sees east", models.Point{Lat: -16.5, Lng: -179.999}, models.Point{Lat: -16.5, Lng: 179.999}, true},
		{"same side still inside", models.Point{Lat: -16.5, Lng: 179.999}, models.Point{Lat: -16.5, Lng: 179.99}, true},
		{"far west excluded", models.Point{Lat: -16.5, Lng: 179.999}, models.Point{Lat: -16.5, Lng: -179.5}, false},
		{"far east excluded", models.Point{Lat: -16.5, Lng: -179.999}, models.Point{Lat: -16.5, Lng: 179.5}, false},
	}
	for _, c := range cases {
		box := BoundingBox(c.center, 3000)
		if got := box.Contains(c.p); got != c.want {
			t.Fatalf("%s: Contains = %v, want %v (box %+v)", c.name, got, c.want, box)
		}
		if d := HaversineMeters(c.center, c.p); c.want && d > 3000 {
			t.Fatalf("%s: test point is %fm away", c.name, d)
		}
	}
}

func TestBoundingBoxNearPole(t *testing.T) {
	box := BoundingBox(models.Point{Lat: 89.99, Lng: 0}, 5000)
	if !box.Contains(models.Point{Lat: 89.995, Lng: 180}) || !box.Contains(models.Point{Lat: 89.995, Lng: -90}) {
		t.Fatalf("every longitude should pass near the pole: %+v", box)
	}
}

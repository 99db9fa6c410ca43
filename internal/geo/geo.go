package geo

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	EarthRadiusMeters = 6371000.0
	EarthRadiusKm     = 6371.0

	// metersPerDegreeLat is the length of one degree of latitude used by the
	// bounding-box pre-filter.
	metersPerDegreeLat = 111320.0
)

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	return EarthRadiusMeters * centralAngle(lat1, lon1, lat2, lon2)
}

func HaversineMeters(a, b models.Point) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}

func HaversineKm(a, b models.Point) float64 {
	return EarthRadiusKm * centralAngle(a.Lat, a.Lng, b.Lat, b.Lng)
}

func centralAngle(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Box is an axis-aligned lat/lng rectangle. MinLng may run below -180 or
// MaxLng above 180 when the box crosses the antimeridian.
type Box struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// BoundingBox approximates a circle of radiusMeters around center.
// It is a cheap pre-filter; callers rank survivors by exact distance.
func BoundingBox(center models.Point, radiusMeters float64) Box {
	dLat := radiusMeters / metersPerDegreeLat
	cos := math.Cos(center.Lat * math.Pi / 180)
	var dLng float64
	if cos < 1e-9 {
		// at the poles every longitude is within the radius
		dLng = 180
	} else {
		dLng = math.Min(radiusMeters/(metersPerDegreeLat*cos), 180)
	}
	return Box{
		MinLat: center.Lat - dLat,
		MaxLat: center.Lat + dLat,
		MinLng: center.Lng - dLng,
		MaxLng: center.Lng + dLng,
	}
}

func (b Box) Contains(p models.Point) bool {
	if p.Lat < b.MinLat || p.Lat > b.MaxLat {
		return false
	}
	if b.MaxLng-b.MinLng >= 360 {
		return true
	}
	switch {
	case b.MinLng < -180:
		return p.Lng >= b.MinLng+360 || p.Lng <= b.MaxLng
	case b.MaxLng > 180:
		return p.Lng >= b.MinLng || p.Lng <= b.MaxLng-360
	}
	return p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}

package eta

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type stubClient struct {
	v     float64
	err   error
	calls int
}

func (s *stubClient) EstimateSeconds(from, to models.Point) (float64, error) {
	s.calls++
	return s.v, s.err
}

func TestEstimatorPrefersClientAndCaches(t *testing.T) {
	c := &stubClient{v: 420}
	e := &Estimator{Client: c, Cache: NewCache(time.Minute), SpeedMps: 10}
	a, b := models.Point{Lat: 41, Lng: 29}, models.Point{Lat: 41.01, Lng: 29}
	if got := e.Estimate(a, b); got != 420 {
		t.Fatalf("expected client value, got %v", got)
	}
	if got := e.Estimate(a, b); got != 420 || c.calls != 1 {
		t.Fatalf("expected cached value, calls=%d", c.calls)
	}
}

func TestEstimatorFallsBackToNaive(t *testing.T) {
	e := &Estimator{Client: &stubClient{err: errors.New("osrm down")}, SpeedMps: 10}
	a, b := models.Point{Lat: 0, Lng: 0}, models.Point{Lat: 0.01, Lng: 0}
	got := e.Estimate(a, b)
	want := EstimateSeconds(a, b, 10)
	if got != want || got < 100 || got > 120 {
		t.Fatalf("expected naive ~111s, got %v", got)
	}
}

func TestCacheExpiresAndSweeps(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := NewCache(time.Minute)
	c.now = func() time.Time { return now }
	a, b := models.Point{Lat: 1, Lng: 1}, models.Point{Lat: 1.00001, Lng: 1.00001}
	c.Set(a, a, 5)
	if v, ok := c.Get(b, a); !ok || v != 5 {
		t.Fatalf("nearby point should share the rounded key, got %v %v", v, ok)
	}
	c.Set(models.Point{Lat: 2, Lng: 2}, a, 9)

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get(a, a); ok {
		t.Fatalf("expected entry to expire")
	}
	if n := c.Sweep(); n != 1 || c.Len() != 0 {
		t.Fatalf("sweep should drop the remaining stale entry, removed %d left %d", n, c.Len())
	}
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/route/v1/driving/29.000000,41.000000;29.010000,41.010000" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":312.5}]}`))
	}))
	defer srv.Close()
	o := NewOSRMClient(srv.URL)
	got, err := o.EstimateSeconds(models.Point{Lat: 41, Lng: 29}, models.Point{Lat: 41.01, Lng: 29.01})
	if err != nil || got != 312.5 {
		t.Fatalf("got %v err=%v", got, err)
	}
}

package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock { return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// countingStore records durable location writes and can be switched to fail.
type countingStore struct {
	storage.DriverStore
	mu        sync.Mutex
	locations []models.Point
	fail      bool
}

func (c *countingStore) SaveLocation(ctx context.Context, id string, p models.Point, available bool, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("connection refused")
	}
	c.locations = append(c.locations, p)
	return c.DriverStore.SaveLocation(ctx, id, p, available, at)
}

func (c *countingStore) Save(ctx context.Context, d *models.Driver) error {
	c.mu.Lock()
	fail := c.fail
	c.mu.Unlock()
	if fail {
		return errors.New("connection refused")
	}
	return c.DriverStore.Save(ctx, d)
}

func (c *countingStore) writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locations)
}

func newTestRegistry(t *testing.T) (*Registry, *countingStore, *fakeClock) {
	t.Helper()
	cs := &countingStore{DriverStore: storage.NewMemoryStore().Drivers()}
	clock := newClock()
	r := New(cs, Options{Now: clock.Now, RetryDelay: time.Millisecond, Retries: 1})
	return r, cs, clock
}

func register(t *testing.T, r *Registry, id string) {
	t.Helper()
	if _, err := r.Upsert(context.Background(), models.Driver{ID: id, VehicleClass: models.VehicleSedan, Status: models.ApprovalApproved}); err != nil {
		t.Fatalf("upsert %s: %v", id, err)
	}
}

func TestAvailabilityRequiresLocation(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	register(t, r, "d1")

	if _, err := r.SetAvailability(ctx, "d1", true, nil); !errors.Is(err, apperr.ErrLocationRequired) {
		t.Fatalf("expected location_required, got %v", err)
	}
	if _, err := r.SetAvailability(ctx, "d1", true, &models.Point{}); !errors.Is(err, apperr.ErrLocationRequired) {
		t.Fatalf("expected location_required for zero point, got %v", err)
	}
	d, err := r.SetAvailability(ctx, "d1", true, &models.Point{Lat: 41, Lng: 29})
	if err != nil || !d.Available {
		t.Fatalf("expected available driver, got %+v err=%v", d, err)
	}
	// the known location now satisfies later toggles
	if _, err := r.SetAvailability(ctx, "d1", false, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := r.SetAvailability(ctx, "d1", true, nil); err != nil {
		t.Fatalf("expected toggle with known location to pass, got %v", err)
	}
	if _, err := r.Upsert(ctx, models.Driver{ID: "d2", VehicleClass: models.VehicleSedan, Available: true}); !errors.Is(err, apperr.ErrLocationRequired) {
		t.Fatalf("expected upsert to reject available driver without location, got %v", err)
	}
	if _, err := r.SetAvailability(ctx, "missing", false, nil); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestLocationThrottle(t *testing.T) {
	r, cs, clock := newTestRegistry(t)
	ctx := context.Background()
	register(t, r, "d1")

	base := models.Point{Lat: 41.0, Lng: 29.0}
	const fiveMeters = 5.0 / 111320.0
	for i := 0; i < 3; i++ {
		p := models.Point{Lat: base.Lat + float64(i)*fiveMeters, Lng: base.Lng}
		res, err := r.UpdateLocation(ctx, "d1", p)
		if err != nil {
			t.Fatal(err)
		}
		if res.Persisted != (i == 0) {
			t.Fatalf("sample %d: persisted=%v", i, res.Persisted)
		}
		// the overlay always has the newest point
		if got, _ := r.Get(ctx, "d1"); got.Location.Lat != p.Lat {
			t.Fatalf("overlay not updated on sample %d", i)
		}
		clock.Advance(4 * time.Second)
	}
	if cs.writes() != 1 {
		t.Fatalf("expected 1 durable write after 3 close samples, got %d", cs.writes())
	}

	clock.Advance(1 * time.Second)
	far := models.Point{Lat: base.Lat + 2*fiveMeters + 150.0/111320.0, Lng: base.Lng}
	res, err := r.UpdateLocation(ctx, "d1", far)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Persisted || cs.writes() != 2 {
		t.Fatalf("expected distance threshold to trip, persisted=%v writes=%d", res.Persisted, cs.writes())
	}

	// time threshold
	clock.Advance(30 * time.Second)
	res, _ = r.UpdateLocation(ctx, "d1", far)
	if !res.Persisted {
		t.Fatalf("expected time threshold to trip after 30s")
	}
}

func TestThrottleRetriesAfterStoreFailure(t *testing.T) {
	r, cs, clock := newTestRegistry(t)
	ctx := context.Background()
	register(t, r, "d1")

	cs.mu.Lock()
	cs.fail = true
	cs.mu.Unlock()
	res, err := r.UpdateLocation(ctx, "d1", models.Point{Lat: 41, Lng: 29})
	if err != nil {
		t.Fatalf("storage failure must not surface, got %v", err)
	}
	if res.Persisted {
		t.Fatalf("write failed, expected persisted=false")
	}
	if d, _ := r.Get(ctx, "d1"); d.Location == nil {
		t.Fatalf("overlay must keep the sample when the store is down")
	}

	cs.mu.Lock()
	cs.fail = false
	cs.mu.Unlock()
	clock.Advance(time.Second)
	res, _ = r.UpdateLocation(ctx, "d1", models.Point{Lat: 41, Lng: 29.00001})
	if !res.Persisted {
		t.Fatalf("expected the next sample to be written after a failed write")
	}
}

func TestListByStatusMergesFreshOverlay(t *testing.T) {
	r, cs, clock := newTestRegistry(t)
	ctx := context.Background()
	register(t, r, "d1")
	register(t, r, "d2")
	if _, err := r.SetAvailability(ctx, "d1", true, &models.Point{Lat: 41, Lng: 29}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Second)
	// throttled: durable record still has the first point
	moved := models.Point{Lat: 41.00001, Lng: 29}
	if _, err := r.UpdateLocation(ctx, "d1", moved); err != nil {
		t.Fatal(err)
	}
	list, err := r.ListByStatus(ctx, models.ApprovalApproved)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "d1" || list[0].Location.Lat != moved.Lat {
		t.Fatalf("expected fresh overlay location, got %+v", list)
	}
	durable, _ := cs.GetByID(ctx, "d1")
	if durable.Location.Lat == moved.Lat {
		t.Fatalf("throttled sample should not be durable yet")
	}

	clock.Advance(3 * time.Minute)
	list, _ = r.ListByStatus(ctx, models.ApprovalApproved)
	if list[0].Location.Lat == moved.Lat {
		t.Fatalf("stale overlay must not override durable record")
	}

	if _, err := r.ListByStatus(ctx, "bogus"); !errors.Is(err, apperr.ErrInvalidPayload) {
		t.Fatalf("expected invalid_payload for unknown filter")
	}
}

func TestRejectPurgeAndRelease(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	register(t, r, "d1")
	_, _ = r.SetAvailability(ctx, "d1", true, &models.Point{Lat: 41, Lng: 29})

	if err := r.Reserve(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	if d, _ := r.Get(ctx, "d1"); d.Available {
		t.Fatalf("reserved driver must be unavailable")
	}
	if err := r.Release(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	if d, _ := r.Get(ctx, "d1"); !d.Available {
		t.Fatalf("released driver must be available")
	}

	if _, err := r.Reject(ctx, "d1", ""); !errors.Is(err, apperr.ErrInvalidPayload) {
		t.Fatalf("expected reason to be required")
	}
	d, err := r.Reject(ctx, "d1", "documents expired")
	if err != nil || d.Available || d.Status != models.ApprovalRejected {
		t.Fatalf("unexpected rejected driver %+v err=%v", d, err)
	}
	if len(r.Snapshot(func(d *models.Driver) bool { return d.Available })) != 0 {
		t.Fatalf("rejected driver must not be available")
	}
	if err := r.Purge(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get(ctx, "d1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected purged driver to be gone, got %v", err)
	}
}

func TestWarmLoadsDurableDrivers(t *testing.T) {
	ms := storage.NewMemoryStore().Drivers()
	ctx := context.Background()
	_ = ms.Save(ctx, &models.Driver{ID: "d1", VehicleClass: models.VehicleVan, Status: models.ApprovalApproved, Available: true, Location: &models.Point{Lat: 1, Lng: 1}})
	r := New(ms, Options{})
	n, err := r.Warm(ctx)
	if err != nil || n != 1 {
		t.Fatalf("warm: n=%d err=%v", n, err)
	}
	if got := r.Snapshot(nil); len(got) != 1 || got[0].VehicleClass != models.VehicleVan {
		t.Fatalf("unexpected snapshot %+v", got)
	}
}

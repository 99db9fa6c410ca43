// Package registry holds live driver state. It is the only writer of a
// driver's location and availability; everything else reads snapshots.
//
// The in-memory overlay is always updated first so matching sees the newest
// position. Durable writes of high-frequency location samples are throttled
// by time and distance.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/shard"
	"github.com/example/ride-dispatch/internal/storage"
)

type Options struct {
	// PersistInterval and PersistDistanceMeters gate durable location writes:
	// a sample is written when either threshold is reached.
	PersistInterval       time.Duration
	PersistDistanceMeters float64
	// Freshness bounds how old an overlay entry may be and still win over
	// the durable record in listings.
	Freshness    time.Duration
	StoreTimeout time.Duration
	Retries      int
	RetryDelay   time.Duration
	Shards       int
	Now          func() time.Time
	Logger       *slog.Logger
}

func (o *Options) withDefaults() {
	if o.PersistInterval <= 0 {
		o.PersistInterval = 30 * time.Second
	}
	if o.PersistDistanceMeters <= 0 {
		o.PersistDistanceMeters = 100
	}
	if o.Freshness <= 0 {
		o.Freshness = 2 * time.Minute
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 2 * time.Second
	}
	if o.Retries <= 0 {
		o.Retries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 50 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type entry struct {
	driver models.Driver
	// liveAt is the last time the overlay received a location or
	// availability change; zero for records only loaded from the store.
	liveAt         time.Time
	persistedAt    time.Time
	persistedPoint *models.Point
}

type Registry struct {
	store   storage.DriverStore
	entries *shard.Map[entry]
	opts    Options
	log     *slog.Logger
}

func New(store storage.DriverStore, opts Options) *Registry {
	opts.withDefaults()
	return &Registry{
		store:   store,
		entries: shard.New[entry](opts.Shards),
		opts:    opts,
		log:     opts.Logger.With("component", "driver_registry"),
	}
}

// Warm loads every durable driver into the overlay. Called once at startup.
func (r *Registry) Warm(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()
	drivers, err := r.store.ListByStatus(ctx, models.ApprovalAll)
	if err != nil {
		return 0, apperr.Storage(err, "list drivers")
	}
	n := 0
	for _, d := range drivers {
		e := entry{driver: copyDriver(d)}
		if d.Location != nil {
			p := *d.Location
			e.persistedPoint = &p
			e.persistedAt = d.LocationAt
		}
		if r.entries.SetIfAbsent(d.ID, e) {
			n++
			if d.Available {
				observability.DriversAvailable.Inc()
			}
		}
	}
	return n, nil
}

// Upsert registers or replaces a driver record.
func (r *Registry) Upsert(ctx context.Context, d models.Driver) (models.Driver, error) {
	d.ID = strings.TrimSpace(d.ID)
	if d.ID == "" {
		return models.Driver{}, apperr.InvalidPayload("driver id is required")
	}
	if !d.VehicleClass.Valid() {
		return models.Driver{}, apperr.Newf(apperr.CodeInvalidPayload, "unknown vehicle class %q", d.VehicleClass)
	}
	if d.Location != nil && !d.Location.Valid() {
		return models.Driver{}, apperr.InvalidPayload("location out of range")
	}
	if d.Available && (d.Location == nil || d.Location.IsZero()) {
		return models.Driver{}, apperr.New(apperr.CodeLocationRequired, "cannot mark driver available without a location")
	}
	if d.Status == "" {
		d.Status = models.ApprovalPending
	}
	now := r.opts.Now()
	d.UpdatedAt = now

	var wasAvailable bool
	saved, _ := r.entries.Update(d.ID, func(cur entry, ok bool) (entry, error) {
		wasAvailable = ok && cur.driver.Available
		next := entry{driver: copyDriver(&d)}
		if ok {
			next.persistedAt, next.persistedPoint = cur.persistedAt, cur.persistedPoint
			if d.CreatedAt.IsZero() {
				next.driver.CreatedAt = cur.driver.CreatedAt
			}
		}
		if next.driver.CreatedAt.IsZero() {
			next.driver.CreatedAt = now
		}
		if d.Location != nil {
			next.liveAt = now
			next.driver.LocationAt = now
			p := *d.Location
			next.persistedAt, next.persistedPoint = now, &p
		}
		return next, nil
	})
	r.trackAvailability(wasAvailable, saved.driver.Available)

	out := copyDriver(&saved.driver)
	r.persist(ctx, "save_driver", func(ctx context.Context) error { return r.store.Save(ctx, &out) })
	return copyDriver(&out), nil
}

// Get returns the overlay view of a driver, loading it from the store on a
// miss.
func (r *Registry) Get(ctx context.Context, id string) (models.Driver, error) {
	e, err := r.load(ctx, id)
	if err != nil {
		return models.Driver{}, err
	}
	return copyDriver(&e.driver), nil
}

func (r *Registry) load(ctx context.Context, id string) (entry, error) {
	if e, ok := r.entries.Get(id); ok {
		return e, nil
	}
	sctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()
	d, err := r.store.GetByID(sctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return entry{}, apperr.NotFound("driver", id)
		}
		r.storageFailed("get_driver", err, id)
		return entry{}, apperr.NotFound("driver", id)
	}
	e := entry{driver: copyDriver(d)}
	if d.Location != nil {
		p := *d.Location
		e.persistedPoint, e.persistedAt = &p, d.LocationAt
	}
	if r.entries.SetIfAbsent(id, e) && d.Available {
		observability.DriversAvailable.Inc()
	}
	e, _ = r.entries.Get(id)
	return e, nil
}

// ListByStatus returns durable records with the live overlay merged on top
// wherever the overlay is fresher than the freshness window. Drivers known
// only to the overlay are included too.
func (r *Registry) ListByStatus(ctx context.Context, status models.ApprovalStatus) ([]models.Driver, error) {
	switch status {
	case "", models.ApprovalAll, models.ApprovalPending, models.ApprovalApproved, models.ApprovalRejected:
	default:
		return nil, apperr.Newf(apperr.CodeInvalidPayload, "unknown status filter %q", status)
	}
	now := r.opts.Now()
	match := func(d *models.Driver) bool {
		return status == "" || status == models.ApprovalAll || d.Status == status
	}

	sctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	durable, err := r.store.ListByStatus(sctx, status)
	cancel()
	if err != nil {
		r.storageFailed("list_drivers", err, "")
		durable = nil
	}

	seen := make(map[string]bool, len(durable))
	out := make([]models.Driver, 0, len(durable))
	for _, d := range durable {
		merged := copyDriver(d)
		if e, ok := r.entries.Get(d.ID); ok && !e.liveAt.IsZero() && now.Sub(e.liveAt) < r.opts.Freshness {
			merged.Location = copyPoint(e.driver.Location)
			merged.LocationAt = e.driver.LocationAt
			merged.Available = e.driver.Available
		}
		seen[d.ID] = true
		out = append(out, merged)
	}
	r.entries.Range(func(id string, e entry) bool {
		if !seen[id] && match(&e.driver) {
			out = append(out, copyDriver(&e.driver))
		}
		return true
	})
	sortDrivers(out)
	return out, nil
}

// SetAvailability toggles whether the driver can be offered rides. A
// location may be supplied with the toggle; going available requires one.
func (r *Registry) SetAvailability(ctx context.Context, id string, available bool, loc *models.Point) (models.Driver, error) {
	if loc != nil && !loc.Valid() {
		return models.Driver{}, apperr.InvalidPayload("location out of range")
	}
	if _, err := r.load(ctx, id); err != nil {
		return models.Driver{}, err
	}
	now := r.opts.Now()
	var wasAvailable bool
	e, err := r.entries.Update(id, func(cur entry, ok bool) (entry, error) {
		if !ok {
			return cur, apperr.NotFound("driver", id)
		}
		effective := cur.driver.Location
		if loc != nil {
			effective = loc
		}
		if available && (effective == nil || effective.IsZero()) {
			return cur, apperr.New(apperr.CodeLocationRequired, "cannot mark driver available without a location")
		}
		wasAvailable = cur.driver.Available
		cur.driver.Available = available
		cur.driver.UpdatedAt = now
		cur.liveAt = now
		if loc != nil {
			cur.driver.Location = copyPoint(loc)
			cur.driver.LocationAt = now
			cur.persistedAt, cur.persistedPoint = now, copyPoint(loc)
		}
		return cur, nil
	})
	if err != nil {
		return models.Driver{}, err
	}
	r.trackAvailability(wasAvailable, e.driver.Available)

	d := copyDriver(&e.driver)
	if d.Location != nil {
		r.persist(ctx, "save_location", func(ctx context.Context) error {
			return r.store.SaveLocation(ctx, id, *d.Location, d.Available, d.LocationAt)
		})
	} else {
		r.persist(ctx, "save_driver", func(ctx context.Context) error { return r.store.Save(ctx, &d) })
	}
	return copyDriver(&d), nil
}

// LocationUpdate reports the outcome of UpdateLocation.
type LocationUpdate struct {
	Driver    models.Driver
	Persisted bool
}

// UpdateLocation moves the driver in the overlay and writes the sample to the
// durable store only when the throttle allows it.
func (r *Registry) UpdateLocation(ctx context.Context, id string, p models.Point) (LocationUpdate, error) {
	if !p.Valid() {
		return LocationUpdate{}, apperr.InvalidPayload("location out of range")
	}
	if p.IsZero() {
		return LocationUpdate{}, apperr.New(apperr.CodeLocationRequired, "empty location sample")
	}
	if _, err := r.load(ctx, id); err != nil {
		return LocationUpdate{}, err
	}
	now := r.opts.Now()
	var (
		persist   bool
		prevAt    time.Time
		prevPoint *models.Point
	)
	e, err := r.entries.Update(id, func(cur entry, ok bool) (entry, error) {
		if !ok {
			return cur, apperr.NotFound("driver", id)
		}
		cur.driver.Location = copyPoint(&p)
		cur.driver.LocationAt = now
		cur.driver.UpdatedAt = now
		cur.liveAt = now
		persist = r.shouldPersist(cur, p, now)
		if persist {
			prevAt, prevPoint = cur.persistedAt, cur.persistedPoint
			cur.persistedAt, cur.persistedPoint = now, copyPoint(&p)
		}
		return cur, nil
	})
	if err != nil {
		return LocationUpdate{}, err
	}
	if !persist {
		observability.LocationWrites.WithLabelValues("throttled").Inc()
		return LocationUpdate{Driver: copyDriver(&e.driver)}, nil
	}

	observability.LocationWrites.WithLabelValues("persisted").Inc()
	available := e.driver.Available
	if err := r.persist(ctx, "save_location", func(ctx context.Context) error {
		return r.store.SaveLocation(ctx, id, p, available, now)
	}); err != nil {
		// let the next sample try again
		_, _ = r.entries.Update(id, func(cur entry, ok bool) (entry, error) {
			if ok && cur.persistedAt.Equal(now) {
				cur.persistedAt, cur.persistedPoint = prevAt, prevPoint
			}
			return cur, nil
		})
		return LocationUpdate{Driver: copyDriver(&e.driver)}, nil
	}
	return LocationUpdate{Driver: copyDriver(&e.driver), Persisted: true}, nil
}

func (r *Registry) shouldPersist(cur entry, p models.Point, now time.Time) bool {
	if cur.persistedPoint == nil || cur.persistedAt.IsZero() {
		return true
	}
	if now.Sub(cur.persistedAt) >= r.opts.PersistInterval {
		return true
	}
	return geo.HaversineMeters(*cur.persistedPoint, p) >= r.opts.PersistDistanceMeters
}

func (r *Registry) Approve(ctx context.Context, id string) (models.Driver, error) {
	return r.setApproval(ctx, id, models.ApprovalApproved, "", func(ctx context.Context) error {
		return r.store.Approve(ctx, id)
	})
}

func (r *Registry) Reject(ctx context.Context, id, reason string) (models.Driver, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return models.Driver{}, apperr.InvalidPayload("rejection reason is required")
	}
	return r.setApproval(ctx, id, models.ApprovalRejected, reason, func(ctx context.Context) error {
		return r.store.Reject(ctx, id, reason)
	})
}

func (r *Registry) setApproval(ctx context.Context, id string, status models.ApprovalStatus, reason string, write func(context.Context) error) (models.Driver, error) {
	if _, err := r.load(ctx, id); err != nil {
		return models.Driver{}, err
	}
	var wasAvailable bool
	e, err := r.entries.Update(id, func(cur entry, ok bool) (entry, error) {
		if !ok {
			return cur, apperr.NotFound("driver", id)
		}
		wasAvailable = cur.driver.Available
		cur.driver.Status = status
		cur.driver.RejectionReason = reason
		if status == models.ApprovalRejected {
			cur.driver.Available = false
		}
		cur.driver.UpdatedAt = r.opts.Now()
		return cur, nil
	})
	if err != nil {
		return models.Driver{}, err
	}
	r.trackAvailability(wasAvailable, e.driver.Available)
	r.persist(ctx, "set_approval", write)
	return copyDriver(&e.driver), nil
}

// Purge hard-deletes a driver. Admin only.
func (r *Registry) Purge(ctx context.Context, id string) error {
	if _, err := r.load(ctx, id); err != nil {
		return err
	}
	if e, ok := r.entries.Get(id); ok && e.driver.Available {
		observability.DriversAvailable.Dec()
	}
	r.entries.Delete(id)
	r.persist(ctx, "delete_driver", func(ctx context.Context) error { return r.store.Delete(ctx, id) })
	return nil
}

// Reserve marks the driver unavailable for the duration of a booking.
func (r *Registry) Reserve(ctx context.Context, id string) error {
	_, err := r.SetAvailability(ctx, id, false, nil)
	return err
}

// Release makes a reserved driver available again. A driver whose location
// is unknown stays unavailable.
func (r *Registry) Release(ctx context.Context, id string) error {
	d, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if d.Status != models.ApprovalApproved || d.Location == nil || d.Location.IsZero() {
		return nil
	}
	_, err = r.SetAvailability(ctx, id, true, nil)
	return err
}

// Snapshot returns copies of every overlay entry accepted by keep.
func (r *Registry) Snapshot(keep func(d *models.Driver) bool) []models.Driver {
	out := make([]models.Driver, 0)
	r.entries.Range(func(_ string, e entry) bool {
		if keep == nil || keep(&e.driver) {
			out = append(out, copyDriver(&e.driver))
		}
		return true
	})
	sortDrivers(out)
	return out
}

// persist runs a durable write with a timeout and retries. Failures are
// logged and counted, never propagated to the in-memory result.
func (r *Registry) persist(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.StoreTimeout)
	defer cancel()
	err := storage.Retry(ctx, r.opts.Retries, r.opts.RetryDelay, fn)
	if err != nil {
		r.storageFailed(op, err, "")
	}
	return err
}

func (r *Registry) storageFailed(op string, err error, id string) {
	observability.StorageErrors.WithLabelValues(op).Inc()
	r.log.Warn("storage_unavailable", "op", op, "driver_id", id, "error", apperr.Storage(err, op))
}

func (r *Registry) trackAvailability(was, now bool) {
	switch {
	case !was && now:
		observability.DriversAvailable.Inc()
	case was && !now:
		observability.DriversAvailable.Dec()
	}
}

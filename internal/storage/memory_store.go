package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore is the fallback used when no database is configured. It
// implements both BookingStore and DriverStore.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]*models.Booking
	drivers  map[string]*models.Driver
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bookings: make(map[string]*models.Booking), drivers: make(map[string]*models.Driver)}
}

func (m *MemoryStore) Insert(ctx context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings[b.ID] = b.Clone()
	return nil
}

func (m *MemoryStore) GetByID(ctx context.Context, id string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (m *MemoryStore) ListByCustomer(ctx context.Context, customerID string) ([]*models.Booking, error) {
	return m.filterBookings(func(b *models.Booking) bool { return b.CustomerID == customerID }), nil
}

func (m *MemoryStore) ListByDriver(ctx context.Context, driverID string) ([]*models.Booking, error) {
	return m.filterBookings(func(b *models.Booking) bool { return b.DriverID == driverID }), nil
}

func (m *MemoryStore) ListPending(ctx context.Context, class models.VehicleClass) ([]*models.Booking, error) {
	return m.filterBookings(func(b *models.Booking) bool {
		return b.Status == models.StatusPending && (class == "" || b.VehicleClass == class)
	}), nil
}

func (m *MemoryStore) FindByPhoneAndCode(ctx context.Context, phone, code string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.bookings {
		if b.GuestPhone == phone && b.ReservationCode == code {
			return b.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Update(ctx context.Context, id string, patch BookingPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return ErrNotFound
	}
	patch.Apply(b)
	return nil
}

func (m *MemoryStore) CodeExists(ctx context.Context, code string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.bookings {
		if b.ReservationCode == code {
			return true, nil
		}
	}
	return false, nil
}

// newest first, matching the postgres ORDER BY
func (m *MemoryStore) filterBookings(keep func(*models.Booking) bool) []*models.Booking {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Booking, 0)
	for _, b := range m.bookings {
		if keep(b) {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) Save(ctx context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = cloneDriver(d)
	return nil
}

func (m *MemoryStore) GetByEmail(ctx context.Context, email string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.drivers {
		if d.Email == email {
			return cloneDriver(d), nil
		}
	}
	return nil, ErrNotFound
}

// Drivers exposes the driver half of the store under DriverStore, since
// GetByID is already taken by the booking contract.
func (m *MemoryStore) Drivers() DriverStore { return memoryDrivers{m} }

func (m *MemoryStore) getDriver(id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDriver(d), nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status models.ApprovalStatus) ([]*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		if status == models.ApprovalAll || status == "" || d.Status == status {
			out = append(out, cloneDriver(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Approve(ctx context.Context, id string) error {
	return m.mutateDriver(id, func(d *models.Driver) {
		d.Status = models.ApprovalApproved
		d.RejectionReason = ""
	})
}

func (m *MemoryStore) Reject(ctx context.Context, id, reason string) error {
	return m.mutateDriver(id, func(d *models.Driver) {
		d.Status = models.ApprovalRejected
		d.RejectionReason = reason
		d.Available = false
	})
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drivers[id]; !ok {
		return ErrNotFound
	}
	delete(m.drivers, id)
	return nil
}

func (m *MemoryStore) SaveLocation(ctx context.Context, id string, p models.Point, available bool, at time.Time) error {
	return m.mutateDriver(id, func(d *models.Driver) {
		loc := p
		d.Location = &loc
		d.LocationAt = at
		d.Available = available
	})
}

func (m *MemoryStore) mutateDriver(id string, fn func(*models.Driver)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	fn(d)
	d.UpdatedAt = time.Now()
	return nil
}

type memoryDrivers struct{ *MemoryStore }

func (m memoryDrivers) GetByID(ctx context.Context, id string) (*models.Driver, error) {
	return m.getDriver(id)
}

func cloneDriver(d *models.Driver) *models.Driver {
	c := *d
	if d.Location != nil {
		loc := *d.Location
		c.Location = &loc
	}
	return &c
}

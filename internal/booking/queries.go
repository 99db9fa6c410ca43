package booking

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func (m *Manager) Get(ctx context.Context, id string) (*models.Booking, error) {
	b, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return b.Clone(), nil
}

// GetByCode is the guest lookup: phone and reservation code must both match.
func (m *Manager) GetByCode(ctx context.Context, phone, code string) (*models.Booking, error) {
	phone = strings.TrimSpace(phone)
	code = strings.ToUpper(strings.TrimSpace(code))
	if phone == "" || code == "" {
		return nil, apperr.InvalidPayload("phone and code are required")
	}
	if id, ok := m.codes.Get(code); ok {
		if b, ok := m.bookings.Get(id); ok && b.GuestPhone == phone {
			return b.Clone(), nil
		}
	}
	sctx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	defer cancel()
	b, err := m.store.FindByPhoneAndCode(sctx, phone, code)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.storageFailed("find_booking_by_code", err, "")
		}
		return nil, apperr.New(apperr.CodeNotFound, "no booking matches that phone and code")
	}
	m.adopt(b)
	return m.Get(ctx, b.ID)
}

func (m *Manager) ListByCustomer(ctx context.Context, customerID string) ([]*models.Booking, error) {
	return m.list(ctx, "list_customer_bookings",
		func(ctx context.Context) ([]*models.Booking, error) { return m.store.ListByCustomer(ctx, customerID) },
		func(b *models.Booking) bool { return b.CustomerID == customerID })
}

func (m *Manager) ListByDriver(ctx context.Context, driverID string) ([]*models.Booking, error) {
	return m.list(ctx, "list_driver_bookings",
		func(ctx context.Context) ([]*models.Booking, error) { return m.store.ListByDriver(ctx, driverID) },
		func(b *models.Booking) bool { return b.DriverID == driverID })
}

// ListPending returns bookings waiting for a driver, optionally restricted to
// one vehicle class.
func (m *Manager) ListPending(ctx context.Context, class models.VehicleClass) ([]*models.Booking, error) {
	if class != "" && !class.Valid() {
		return nil, apperr.Newf(apperr.CodeInvalidPayload, "unknown vehicle class %q", class)
	}
	return m.list(ctx, "list_pending_bookings",
		func(ctx context.Context) ([]*models.Booking, error) { return m.store.ListPending(ctx, class) },
		func(b *models.Booking) bool {
			return b.Status == models.StatusPending && (class == "" || b.VehicleClass == class)
		})
}

// list merges durable rows with the in-memory table. The in-memory copy wins
// for any id present in both, and the result is ordered newest first.
func (m *Manager) list(ctx context.Context, op string, durable func(context.Context) ([]*models.Booking, error), keep func(*models.Booking) bool) ([]*models.Booking, error) {
	sctx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	rows, err := durable(sctx)
	cancel()
	if err != nil {
		m.storageFailed(op, err, "")
		rows = nil
	}
	seen := make(map[string]bool)
	out := make([]*models.Booking, 0, len(rows))
	m.bookings.Range(func(id string, b *models.Booking) bool {
		if keep(b) {
			seen[id] = true
			out = append(out, b.Clone())
		}
		return true
	})
	for _, b := range rows {
		if seen[b.ID] {
			continue
		}
		if _, inMemory := m.bookings.Get(b.ID); inMemory {
			// the in-memory copy moved on and no longer matches
			continue
		}
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

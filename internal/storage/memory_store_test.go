package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func sampleBooking(id, code string, created time.Time) *models.Booking {
	return &models.Booking{
		ID:              id,
		ReservationCode: code,
		CustomerID:      "c1",
		GuestPhone:      "5551234",
		Pickup:          models.Point{Lat: 41, Lng: 29},
		Dropoff:         models.Point{Lat: 41.05, Lng: 29.05},
		VehicleClass:    models.VehicleSedan,
		Passengers:      1,
		Status:          models.StatusPending,
		PaymentStatus:   models.PaymentUnpaid,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func TestMemoryBookingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now()
	if err := m.Insert(ctx, sampleBooking("b1", "ABCDEFGH", now)); err != nil {
		t.Fatal(err)
	}
	if err := m.Insert(ctx, sampleBooking("b2", "HJKLMNPQ", now.Add(time.Second))); err != nil {
		t.Fatal(err)
	}

	list, _ := m.ListByCustomer(ctx, "c1")
	if len(list) != 2 || list[0].ID != "b2" {
		t.Fatalf("expected newest first, got %+v", list)
	}

	status := models.StatusAccepted
	driver := "d1"
	if err := m.Update(ctx, "b1", BookingPatch{Status: &status, DriverID: &driver}); err != nil {
		t.Fatal(err)
	}
	b, _ := m.GetByID(ctx, "b1")
	if b.Status != models.StatusAccepted || b.DriverID != "d1" {
		t.Fatalf("patch not applied: %+v", b)
	}
	pending, _ := m.ListPending(ctx, models.VehicleSedan)
	if len(pending) != 1 || pending[0].ID != "b2" {
		t.Fatalf("unexpected pending list %+v", pending)
	}
	byDriver, _ := m.ListByDriver(ctx, "d1")
	if len(byDriver) != 1 {
		t.Fatalf("expected one booking for d1")
	}

	if ok, _ := m.CodeExists(ctx, "HJKLMNPQ"); !ok {
		t.Fatalf("expected code to exist")
	}
	if _, err := m.FindByPhoneAndCode(ctx, "5551234", "ABCDEFGH"); err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if _, err := m.FindByPhoneAndCode(ctx, "000", "ABCDEFGH"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := m.Update(ctx, "nope", BookingPatch{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on missing update, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	b := sampleBooking("b1", "ABCDEFGH", time.Now())
	_ = m.Insert(ctx, b)
	b.Status = models.StatusCancelled
	got, _ := m.GetByID(ctx, "b1")
	if got.Status != models.StatusPending {
		t.Fatalf("store aliased caller's booking")
	}
}

func TestMemoryDrivers(t *testing.T) {
	ctx := context.Background()
	ds := NewMemoryStore().Drivers()
	d := &models.Driver{ID: "d1", Email: "d1@example.com", VehicleClass: models.VehicleSedan, Status: models.ApprovalPending}
	if err := ds.Save(ctx, d); err != nil {
		t.Fatal(err)
	}
	if err := ds.Reject(ctx, "d1", "expired licence"); err != nil {
		t.Fatal(err)
	}
	got, _ := ds.GetByEmail(ctx, "d1@example.com")
	if got.Status != models.ApprovalRejected || got.RejectionReason != "expired licence" {
		t.Fatalf("unexpected driver %+v", got)
	}
	if err := ds.Approve(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	if err := ds.SaveLocation(ctx, "d1", models.Point{Lat: 1, Lng: 2}, true, time.Now()); err != nil {
		t.Fatal(err)
	}
	got, _ = ds.GetByID(ctx, "d1")
	if got.Status != models.ApprovalApproved || got.RejectionReason != "" || got.Location == nil || !got.Available {
		t.Fatalf("unexpected driver %+v", got)
	}
	approved, _ := ds.ListByStatus(ctx, models.ApprovalApproved)
	rejected, _ := ds.ListByStatus(ctx, models.ApprovalRejected)
	if len(approved) != 1 || len(rejected) != 0 {
		t.Fatalf("unexpected listing %d/%d", len(approved), len(rejected))
	}
	if err := ds.Delete(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := ds.GetByID(ctx, "d1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete")
	}
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore implements BookingStore on postgres. Drivers() exposes the
// DriverStore half over the same connection pool.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sqlx.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate executes a schema script, statement by statement.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	for _, stmt := range strings.Split(script, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

type bookingRow struct {
	ID              string         `db:"id"`
	ReservationCode string         `db:"reservation_code"`
	CustomerID      sql.NullString `db:"customer_id"`
	GuestName       sql.NullString `db:"guest_name"`
	GuestPhone      sql.NullString `db:"guest_phone"`
	DriverID        sql.NullString `db:"driver_id"`
	RequestID       sql.NullString `db:"request_id"`
	PickupLat       float64        `db:"pickup_lat"`
	PickupLng       float64        `db:"pickup_lng"`
	PickupAddress   string         `db:"pickup_address"`
	DropoffLat      float64        `db:"dropoff_lat"`
	DropoffLng      float64        `db:"dropoff_lng"`
	DropoffAddress  string         `db:"dropoff_address"`
	VehicleClass    string         `db:"vehicle_class"`
	Passengers      int            `db:"passengers"`
	Status          string         `db:"status"`
	DistanceKm      float64        `db:"distance_km"`
	DriverFare      float64        `db:"driver_fare"`
	PlatformFee     float64        `db:"platform_fee"`
	BasePrice       float64        `db:"base_price"`
	FinalPrice      float64        `db:"final_price"`
	Currency        string         `db:"currency"`
	PaymentStatus   string         `db:"payment_status"`
	PaymentMethod   sql.NullString `db:"payment_method"`
	PaymentRef      sql.NullString `db:"payment_ref"`
	PaidAt          sql.NullTime   `db:"paid_at"`
	Route           string         `db:"route"`
	CustomerRoute   string         `db:"customer_route"`
	PickedUpAt      sql.NullTime   `db:"picked_up_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
	CancelledAt     sql.NullTime   `db:"cancelled_at"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

const bookingColumns = `id, reservation_code, customer_id, guest_name, guest_phone, driver_id, request_id,
	pickup_lat, pickup_lng, pickup_address, dropoff_lat, dropoff_lng, dropoff_address,
	vehicle_class, passengers, status, distance_km, driver_fare, platform_fee, base_price, final_price, currency,
	payment_status, payment_method, payment_ref, paid_at, route, customer_route,
	picked_up_at, completed_at, cancelled_at, created_at, updated_at`

func toBookingRow(b *models.Booking) (bookingRow, error) {
	route, err := json.Marshal(nonNilRoute(b.Route))
	if err != nil {
		return bookingRow{}, err
	}
	croute, err := json.Marshal(nonNilRoute(b.CustomerRoute))
	if err != nil {
		return bookingRow{}, err
	}
	return bookingRow{
		ID:              b.ID,
		ReservationCode: b.ReservationCode,
		CustomerID:      nullString(b.CustomerID),
		GuestName:       nullString(b.GuestName),
		GuestPhone:      nullString(b.GuestPhone),
		DriverID:        nullString(b.DriverID),
		RequestID:       nullString(b.RequestID),
		PickupLat:       b.Pickup.Lat,
		PickupLng:       b.Pickup.Lng,
		PickupAddress:   b.Pickup.Address,
		DropoffLat:      b.Dropoff.Lat,
		DropoffLng:      b.Dropoff.Lng,
		DropoffAddress:  b.Dropoff.Address,
		VehicleClass:    string(b.VehicleClass),
		Passengers:      b.Passengers,
		Status:          string(b.Status),
		DistanceKm:      b.Fare.DistanceKm,
		DriverFare:      b.Fare.DriverFare,
		PlatformFee:     b.Fare.PlatformFee,
		BasePrice:       b.BasePrice,
		FinalPrice:      b.FinalPrice,
		Currency:        b.Fare.Currency,
		PaymentStatus:   string(b.PaymentStatus),
		PaymentMethod:   nullString(string(b.PaymentMethod)),
		PaymentRef:      nullString(b.PaymentRef),
		PaidAt:          nullTime(b.PaidAt),
		Route:           string(route),
		CustomerRoute:   string(croute),
		PickedUpAt:      nullTime(b.PickedUpAt),
		CompletedAt:     nullTime(b.CompletedAt),
		CancelledAt:     nullTime(b.CancelledAt),
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
	}, nil
}

func (r bookingRow) toModel() (*models.Booking, error) {
	b := &models.Booking{
		ID:              r.ID,
		ReservationCode: r.ReservationCode,
		CustomerID:      r.CustomerID.String,
		GuestName:       r.GuestName.String,
		GuestPhone:      r.GuestPhone.String,
		DriverID:        r.DriverID.String,
		RequestID:       r.RequestID.String,
		Pickup:          models.Point{Lat: r.PickupLat, Lng: r.PickupLng, Address: r.PickupAddress},
		Dropoff:         models.Point{Lat: r.DropoffLat, Lng: r.DropoffLng, Address: r.DropoffAddress},
		VehicleClass:    models.VehicleClass(r.VehicleClass),
		Passengers:      r.Passengers,
		Status:          models.BookingStatus(r.Status),
		Fare: models.Fare{
			DistanceKm:  r.DistanceKm,
			DriverFare:  r.DriverFare,
			PlatformFee: r.PlatformFee,
			Total:       r.BasePrice,
			Currency:    r.Currency,
		},
		BasePrice:     r.BasePrice,
		FinalPrice:    r.FinalPrice,
		PaymentStatus: models.PaymentStatus(r.PaymentStatus),
		PaymentMethod: models.PaymentMethod(r.PaymentMethod.String),
		PaymentRef:    r.PaymentRef.String,
		PaidAt:        timePtr(r.PaidAt),
		PickedUpAt:    timePtr(r.PickedUpAt),
		CompletedAt:   timePtr(r.CompletedAt),
		CancelledAt:   timePtr(r.CancelledAt),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if len(r.Route) > 0 {
		if err := json.Unmarshal([]byte(r.Route), &b.Route); err != nil {
			return nil, fmt.Errorf("decode route: %w", err)
		}
	}
	if len(r.CustomerRoute) > 0 {
		if err := json.Unmarshal([]byte(r.CustomerRoute), &b.CustomerRoute); err != nil {
			return nil, fmt.Errorf("decode customer route: %w", err)
		}
	}
	return b, nil
}

func (p *PostgresStore) Insert(ctx context.Context, b *models.Booking) error {
	row, err := toBookingRow(b)
	if err != nil {
		return err
	}
	_, err = p.db.NamedExecContext(ctx, `INSERT INTO bookings(`+bookingColumns+`) VALUES(
		:id, :reservation_code, :customer_id, :guest_name, :guest_phone, :driver_id, :request_id,
		:pickup_lat, :pickup_lng, :pickup_address, :dropoff_lat, :dropoff_lng, :dropoff_address,
		:vehicle_class, :passengers, :status, :distance_km, :driver_fare, :platform_fee, :base_price, :final_price, :currency,
		:payment_status, :payment_method, :payment_ref, :paid_at, :route, :customer_route,
		:picked_up_at, :completed_at, :cancelled_at, :created_at, :updated_at)`, row)
	return err
}

func (p *PostgresStore) GetByID(ctx context.Context, id string) (*models.Booking, error) {
	return p.getBooking(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id=$1`, id)
}

func (p *PostgresStore) FindByPhoneAndCode(ctx context.Context, phone, code string) (*models.Booking, error) {
	return p.getBooking(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE guest_phone=$1 AND reservation_code=$2`, phone, code)
}

func (p *PostgresStore) ListByCustomer(ctx context.Context, customerID string) ([]*models.Booking, error) {
	return p.selectBookings(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE customer_id=$1 ORDER BY created_at DESC`, customerID)
}

func (p *PostgresStore) ListByDriver(ctx context.Context, driverID string) ([]*models.Booking, error) {
	return p.selectBookings(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE driver_id=$1 ORDER BY created_at DESC`, driverID)
}

func (p *PostgresStore) ListPending(ctx context.Context, class models.VehicleClass) ([]*models.Booking, error) {
	if class == "" {
		return p.selectBookings(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE status='pending' ORDER BY created_at DESC`)
	}
	return p.selectBookings(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE status='pending' AND vehicle_class=$1 ORDER BY created_at DESC`, string(class))
}

func (p *PostgresStore) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := p.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM bookings WHERE reservation_code=$1)`, code)
	return exists, err
}

func (p *PostgresStore) Update(ctx context.Context, id string, patch BookingPatch) error {
	sets := make([]string, 0, 8)
	args := make([]any, 0, 9)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.DriverID != nil {
		add("driver_id", nullString(*patch.DriverID))
	}
	if patch.RequestID != nil {
		add("request_id", nullString(*patch.RequestID))
	}
	if patch.FinalPrice != nil {
		add("final_price", *patch.FinalPrice)
	}
	if patch.PaymentStatus != nil {
		add("payment_status", string(*patch.PaymentStatus))
	}
	if patch.PaymentMethod != nil {
		add("payment_method", nullString(string(*patch.PaymentMethod)))
	}
	if patch.PaymentRef != nil {
		add("payment_ref", nullString(*patch.PaymentRef))
	}
	if patch.PaidAt != nil {
		add("paid_at", *patch.PaidAt)
	}
	if patch.PickedUpAt != nil {
		add("picked_up_at", *patch.PickedUpAt)
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	}
	if patch.CancelledAt != nil {
		add("cancelled_at", *patch.CancelledAt)
	}
	if patch.Route != nil {
		b, err := json.Marshal(patch.Route)
		if err != nil {
			return err
		}
		add("route", string(b))
	}
	if patch.CustomerRoute != nil {
		b, err := json.Marshal(patch.CustomerRoute)
		if err != nil {
			return err
		}
		add("customer_route", string(b))
	}
	updated := patch.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	add("updated_at", updated)
	args = append(args, id)
	q := fmt.Sprintf(`UPDATE bookings SET %s WHERE id=$%d`, strings.Join(sets, ", "), len(args))
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) getBooking(ctx context.Context, q string, args ...any) (*models.Booking, error) {
	var row bookingRow
	if err := p.db.GetContext(ctx, &row, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toModel()
}

func (p *PostgresStore) selectBookings(ctx context.Context, q string, args ...any) ([]*models.Booking, error) {
	var rows []bookingRow
	if err := p.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]*models.Booking, 0, len(rows))
	for _, r := range rows {
		b, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Drivers returns the DriverStore view of this database.
func (p *PostgresStore) Drivers() DriverStore { return &postgresDrivers{db: p.db} }

type postgresDrivers struct {
	db *sqlx.DB
}

type driverRow struct {
	ID              string          `db:"id"`
	Name            string          `db:"name"`
	Email           sql.NullString  `db:"email"`
	Phone           string          `db:"phone"`
	VehicleClass    string          `db:"vehicle_class"`
	Lat             sql.NullFloat64 `db:"lat"`
	Lng             sql.NullFloat64 `db:"lng"`
	LocationAt      sql.NullTime    `db:"location_at"`
	Available       bool            `db:"available"`
	Status          string          `db:"status"`
	RejectionReason sql.NullString  `db:"rejection_reason"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

const driverColumns = `id, name, email, phone, vehicle_class, lat, lng, location_at, available, status, rejection_reason, created_at, updated_at`

func (r driverRow) toModel() *models.Driver {
	d := &models.Driver{
		ID:              r.ID,
		Name:            r.Name,
		Email:           r.Email.String,
		Phone:           r.Phone,
		VehicleClass:    models.VehicleClass(r.VehicleClass),
		Available:       r.Available,
		Status:          models.ApprovalStatus(r.Status),
		RejectionReason: r.RejectionReason.String,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.Lat.Valid && r.Lng.Valid {
		d.Location = &models.Point{Lat: r.Lat.Float64, Lng: r.Lng.Float64}
	}
	if r.LocationAt.Valid {
		d.LocationAt = r.LocationAt.Time
	}
	return d
}

func (p *postgresDrivers) Save(ctx context.Context, d *models.Driver) error {
	row := driverRow{
		ID:              d.ID,
		Name:            d.Name,
		Email:           nullString(d.Email),
		Phone:           d.Phone,
		VehicleClass:    string(d.VehicleClass),
		Available:       d.Available,
		Status:          string(d.Status),
		RejectionReason: nullString(d.RejectionReason),
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
	if d.Location != nil {
		row.Lat = sql.NullFloat64{Float64: d.Location.Lat, Valid: true}
		row.Lng = sql.NullFloat64{Float64: d.Location.Lng, Valid: true}
	}
	if !d.LocationAt.IsZero() {
		row.LocationAt = sql.NullTime{Time: d.LocationAt, Valid: true}
	}
	_, err := p.db.NamedExecContext(ctx, `INSERT INTO drivers(`+driverColumns+`) VALUES(
		:id, :name, :email, :phone, :vehicle_class, :lat, :lng, :location_at, :available, :status, :rejection_reason, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, email=EXCLUDED.email, phone=EXCLUDED.phone,
		vehicle_class=EXCLUDED.vehicle_class, lat=EXCLUDED.lat, lng=EXCLUDED.lng, location_at=EXCLUDED.location_at,
		available=EXCLUDED.available, status=EXCLUDED.status, rejection_reason=EXCLUDED.rejection_reason,
		updated_at=EXCLUDED.updated_at`, row)
	return err
}

func (p *postgresDrivers) GetByID(ctx context.Context, id string) (*models.Driver, error) {
	return p.get(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id=$1`, id)
}

func (p *postgresDrivers) GetByEmail(ctx context.Context, email string) (*models.Driver, error) {
	return p.get(ctx, `SELECT `+driverColumns+` FROM drivers WHERE email=$1`, email)
}

func (p *postgresDrivers) ListByStatus(ctx context.Context, status models.ApprovalStatus) ([]*models.Driver, error) {
	var rows []driverRow
	var err error
	if status == models.ApprovalAll || status == "" {
		err = p.db.SelectContext(ctx, &rows, `SELECT `+driverColumns+` FROM drivers ORDER BY id`)
	} else {
		err = p.db.SelectContext(ctx, &rows, `SELECT `+driverColumns+` FROM drivers WHERE status=$1 ORDER BY id`, string(status))
	}
	if err != nil {
		return nil, err
	}
	out := make([]*models.Driver, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (p *postgresDrivers) Approve(ctx context.Context, id string) error {
	return p.exec(ctx, `UPDATE drivers SET status='approved', rejection_reason=NULL, updated_at=now() WHERE id=$1`, id)
}

func (p *postgresDrivers) Reject(ctx context.Context, id, reason string) error {
	return p.exec(ctx, `UPDATE drivers SET status='rejected', rejection_reason=$2, available=false, updated_at=now() WHERE id=$1`, id, reason)
}

func (p *postgresDrivers) Delete(ctx context.Context, id string) error {
	return p.exec(ctx, `DELETE FROM drivers WHERE id=$1`, id)
}

func (p *postgresDrivers) SaveLocation(ctx context.Context, id string, pt models.Point, available bool, at time.Time) error {
	return p.exec(ctx, `UPDATE drivers SET lat=$2, lng=$3, available=$4, location_at=$5, updated_at=now() WHERE id=$1`, id, pt.Lat, pt.Lng, available, at)
}

func (p *postgresDrivers) get(ctx context.Context, q string, args ...any) (*models.Driver, error) {
	var row driverRow
	if err := p.db.GetContext(ctx, &row, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toModel(), nil
}

func (p *postgresDrivers) exec(ctx context.Context, q string, args ...any) error {
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nonNilRoute(r []models.RoutePoint) []models.RoutePoint {
	if r == nil {
		return []models.RoutePoint{}
	}
	return r
}

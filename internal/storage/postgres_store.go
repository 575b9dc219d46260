package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

var _ Gateway = (*PostgresStore)(nil)

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)
	// quick ping
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) DB() *sql.DB  { return p.db }
func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

const rideColumns = `id, passenger_id, driver_id, origin_lat, origin_lng, origin_address,
	destination_lat, destination_lng, destination_address, estimated_distance, estimated_duration,
	estimated_price, status, cancel_reason, canceled_by, requested_at, accepted_at, started_at,
	completed_at, canceled_at`

func (p *PostgresStore) CreateRideRequest(ctx context.Context, r *models.RideRequest) error {
	if r.Status == "" {
		r.Status = models.RidePending
	}
	err := p.db.QueryRowContext(ctx, `INSERT INTO ride_requests(passenger_id, origin_lat, origin_lng, origin_address,
		destination_lat, destination_lng, destination_address, estimated_distance, estimated_duration, estimated_price, status)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id, requested_at`,
		r.PassengerID, r.Origin.Lat, r.Origin.Lon, r.OriginAddress,
		r.Destination.Lat, r.Destination.Lon, r.DestinationAddress,
		nullFloat(r.EstimatedDistance), nullFloat(r.EstimatedDuration), nullFloat(r.EstimatedPrice), string(r.Status),
	).Scan(&r.ID, &r.RequestedAt)
	if err != nil {
		return fmt.Errorf("insert ride request: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetRideByID(ctx context.Context, id int64) (*models.RideRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM ride_requests WHERE id = $1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ride %d: %w", id, err)
	}
	return r, nil
}

// UpdateRide issues a single UPDATE guarded by the expected status (and driver
// when set); zero affected rows means another writer got there first.
func (p *PostgresStore) UpdateRide(ctx context.Context, id int64, u RideUpdate) (*models.RideRequest, error) {
	var (
		sets []string
		args []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if u.Status != "" {
		sets = append(sets, "status = "+arg(string(u.Status)))
	}
	if u.DriverID != nil {
		sets = append(sets, "driver_id = "+arg(*u.DriverID))
	}
	if u.ClearDriver {
		sets = append(sets, "driver_id = NULL")
	}
	for _, c := range []struct {
		col string
		ts  *time.Time
	}{
		{"accepted_at", u.AcceptedAt},
		{"started_at", u.StartedAt},
		{"completed_at", u.CompletedAt},
		{"canceled_at", u.CanceledAt},
	} {
		if c.ts != nil {
			sets = append(sets, c.col+" = "+arg(*c.ts))
		}
	}
	if u.CanceledBy != "" {
		sets = append(sets, "canceled_by = "+arg(string(u.CanceledBy)))
	}
	if u.CancelReason != "" {
		sets = append(sets, "cancel_reason = "+arg(u.CancelReason))
	}
	if len(sets) == 0 {
		return nil, errors.New("update ride: nothing to set")
	}

	where := []string{"id = " + arg(id), "status = " + arg(string(u.ExpectStatus))}
	if u.ExpectDriverID != nil {
		where = append(where, "driver_id = "+arg(*u.ExpectDriverID))
	}
	if u.DriverID != nil {
		where = append(where, "driver_id IS NULL")
		if u.RequireDriverIdle {
			where = append(where, "NOT EXISTS (SELECT 1 FROM ride_requests busy WHERE busy.driver_id = "+
				arg(*u.DriverID)+" AND busy.status IN ('accepted', 'active'))")
		}
	}

	q := `UPDATE ride_requests SET ` + strings.Join(sets, ", ") +
		` WHERE ` + strings.Join(where, " AND ") + ` RETURNING ` + rideColumns
	r, err := scanRide(p.db.QueryRowContext(ctx, q, args...))
	if err == nil {
		return r, nil
	}
	if isUniqueViolation(err) {
		// rides_one_holding_per_driver caught a concurrent accept by the same driver
		return nil, ErrStatusConflict
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update ride %d: %w", id, err)
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM ride_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check ride %d: %w", id, err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrStatusConflict
}

func (p *PostgresStore) GetActiveRideForDriver(ctx context.Context, driverID int64) (*models.RideRequest, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM ride_requests
		WHERE driver_id = $1 AND status IN ('accepted', 'active')
		ORDER BY accepted_at DESC LIMIT 1`, driverID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active ride for driver %d: %w", driverID, err)
	}
	return r, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

const locationColumns = `driver_id, latitude, longitude, heading, speed, accuracy, status, current_ride_id, updated_at`

func (p *PostgresStore) GetDriverLocationByDriverID(ctx context.Context, driverID int64) (*models.DriverLocation, error) {
	l, err := scanLocation(p.db.QueryRowContext(ctx, `SELECT `+locationColumns+` FROM driver_locations WHERE driver_id = $1`, driverID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get driver location %d: %w", driverID, err)
	}
	return l, nil
}

func (p *PostgresStore) CreateDriverLocation(ctx context.Context, loc *models.DriverLocation) error {
	if loc.Status == "" {
		loc.Status = models.DriverAvailable
	}
	err := p.db.QueryRowContext(ctx, `INSERT INTO driver_locations(driver_id, latitude, longitude, heading, speed, accuracy, status, current_ride_id)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8) RETURNING updated_at`,
		loc.DriverID, loc.Latitude, loc.Longitude, nullFloat(loc.Heading), nullFloat(loc.Speed), nullFloat(loc.Accuracy),
		string(loc.Status), nullInt(loc.CurrentRideID),
	).Scan(&loc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert driver location %d: %w", loc.DriverID, err)
	}
	return nil
}

func (p *PostgresStore) UpdateDriverLocation(ctx context.Context, driverID int64, u LocationUpdate) (*models.DriverLocation, error) {
	var (
		sets = []string{"updated_at = now()"}
		args []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	for _, c := range []struct {
		col string
		v   *float64
	}{
		{"latitude", u.Latitude},
		{"longitude", u.Longitude},
		{"heading", u.Heading},
		{"speed", u.Speed},
		{"accuracy", u.Accuracy},
	} {
		if c.v != nil {
			sets = append(sets, c.col+" = "+arg(*c.v))
		}
	}
	if u.Status != "" {
		sets = append(sets, "status = "+arg(string(u.Status)))
	}
	if u.CurrentRideID != nil {
		sets = append(sets, "current_ride_id = "+arg(*u.CurrentRideID))
	}
	if u.ClearCurrentRide {
		sets = append(sets, "current_ride_id = NULL")
	}
	q := `UPDATE driver_locations SET ` + strings.Join(sets, ", ") +
		` WHERE driver_id = ` + arg(driverID) + ` RETURNING ` + locationColumns
	l, err := scanLocation(p.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update driver location %d: %w", driverID, err)
	}
	return l, nil
}

// great-circle distance in meters computed in SQL; no PostGIS required
const nearbyQuery = `SELECT driver_id, dist FROM (
	SELECT driver_id, 2 * 6371000 * asin(sqrt(
		power(sin(radians(latitude - $1) / 2), 2) +
		cos(radians($1)) * cos(radians(latitude)) * power(sin(radians(longitude - $2) / 2), 2)
	)) AS dist
	FROM driver_locations
	WHERE status = 'available'
) nearby
WHERE dist <= $3
ORDER BY dist
LIMIT $4`

func (p *PostgresStore) GetAvailableDriversNearLocation(ctx context.Context, lat, lng, radiusMeters float64, limit int) ([]NearbyDriver, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, nearbyQuery, lat, lng, radiusMeters, limit)
	if err != nil {
		return nil, fmt.Errorf("query nearby drivers: %w", err)
	}
	defer rows.Close()
	out := make([]NearbyDriver, 0)
	for rows.Next() {
		var d NearbyDriver
		if err := rows.Scan(&d.DriverID, &d.DistanceMeters); err != nil {
			return nil, fmt.Errorf("scan nearby driver: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	var (
		u     models.User
		uType string
	)
	err := p.db.QueryRowContext(ctx, `SELECT id, name, phone, user_type FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &u.Phone, &uType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	u.Type = models.Role(uType)
	return &u, nil
}

func (p *PostgresStore) GetPassengerByID(ctx context.Context, id int64) (*models.Passenger, error) {
	var ps models.Passenger
	err := p.db.QueryRowContext(ctx, `SELECT id, name, phone FROM users WHERE id = $1 AND user_type = 'passenger'`, id).
		Scan(&ps.ID, &ps.Name, &ps.Phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get passenger %d: %w", id, err)
	}
	return &ps, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.RideRequest, error) {
	var (
		r                                  models.RideRequest
		driverID                           sql.NullInt64
		estDistance, estDuration, estPrice sql.NullFloat64
		status                             string
		cancelReason, canceledBy           sql.NullString
		acceptedAt, startedAt              sql.NullTime
		completedAt, canceledAt            sql.NullTime
	)
	err := row.Scan(&r.ID, &r.PassengerID, &driverID, &r.Origin.Lat, &r.Origin.Lon, &r.OriginAddress,
		&r.Destination.Lat, &r.Destination.Lon, &r.DestinationAddress, &estDistance, &estDuration,
		&estPrice, &status, &cancelReason, &canceledBy, &r.RequestedAt, &acceptedAt, &startedAt,
		&completedAt, &canceledAt)
	if err != nil {
		return nil, err
	}
	r.DriverID = int64FromNull(driverID)
	r.EstimatedDistance = floatFromNull(estDistance)
	r.EstimatedDuration = floatFromNull(estDuration)
	r.EstimatedPrice = floatFromNull(estPrice)
	r.Status = models.RideStatus(status)
	r.CancelReason = cancelReason.String
	r.CanceledBy = models.Role(canceledBy.String)
	r.AcceptedAt = timeFromNull(acceptedAt)
	r.StartedAt = timeFromNull(startedAt)
	r.CompletedAt = timeFromNull(completedAt)
	r.CanceledAt = timeFromNull(canceledAt)
	return &r, nil
}

func scanLocation(row rowScanner) (*models.DriverLocation, error) {
	var (
		l                        models.DriverLocation
		heading, speed, accuracy sql.NullFloat64
		status                   string
		rideID                   sql.NullInt64
	)
	if err := row.Scan(&l.DriverID, &l.Latitude, &l.Longitude, &heading, &speed, &accuracy, &status, &rideID, &l.UpdatedAt); err != nil {
		return nil, err
	}
	l.Heading = floatFromNull(heading)
	l.Speed = floatFromNull(speed)
	l.Accuracy = floatFromNull(accuracy)
	l.Status = models.DriverStatus(status)
	l.CurrentRideID = int64FromNull(rideID)
	return &l, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func floatFromNull(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func int64FromNull(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return models.Int64Ptr(v.Int64)
}

func timeFromNull(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	return models.TimePtr(v.Time)
}

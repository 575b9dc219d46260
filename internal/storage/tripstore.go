package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore is a Gateway kept in process memory. Conditional updates are
// checked and applied under one lock, matching the Postgres semantics.
type MemoryStore struct {
	mu         sync.RWMutex
	nextRideID int64
	rides      map[int64]*models.RideRequest
	locations  map[int64]*models.DriverLocation
	users      map[int64]*models.User
	passengers map[int64]*models.Passenger
	available  *geo.Index
	now        func() time.Time
}

var _ Gateway = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:      make(map[int64]*models.RideRequest),
		locations:  make(map[int64]*models.DriverLocation),
		users:      make(map[int64]*models.User),
		passengers: make(map[int64]*models.Passenger),
		available:  geo.NewIndex(),
		now:        time.Now,
	}
}

// AddUser seeds a user record. Passenger users also get a passenger profile.
func (m *MemoryStore) AddUser(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = &u
	if u.Type == models.RolePassenger {
		m.passengers[u.ID] = &models.Passenger{ID: u.ID, Name: u.Name, Phone: u.Phone}
	}
}

func (m *MemoryStore) CreateRideRequest(_ context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRideID++
	r.ID = m.nextRideID
	if r.Status == "" {
		r.Status = models.RidePending
	}
	r.RequestedAt = m.now().UTC()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRideByID(_ context.Context, id int64) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpdateRide(_ context.Context, id int64, u RideUpdate) (*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !u.guardsMatch(r) {
		return nil, ErrStatusConflict
	}
	if u.RequireDriverIdle && u.DriverID != nil && m.activeRideLocked(*u.DriverID) != nil {
		return nil, ErrStatusConflict
	}
	u.apply(r)
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetActiveRideForDriver(_ context.Context, driverID int64) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r := m.activeRideLocked(driverID)
	if r == nil {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) activeRideLocked(driverID int64) *models.RideRequest {
	for _, r := range m.rides {
		if r.AssignedTo(driverID) && Holding(r.Status) {
			return r
		}
	}
	return nil
}

func (m *MemoryStore) GetDriverLocationByDriverID(_ context.Context, driverID int64) (*models.DriverLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.locations[driverID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) CreateDriverLocation(_ context.Context, loc *models.DriverLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if loc.Status == "" {
		loc.Status = models.DriverAvailable
	}
	loc.UpdatedAt = m.now().UTC()
	cp := *loc
	m.locations[loc.DriverID] = &cp
	m.reindex(&cp)
	return nil
}

func (m *MemoryStore) UpdateDriverLocation(_ context.Context, driverID int64, u LocationUpdate) (*models.DriverLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locations[driverID]
	if !ok {
		return nil, ErrNotFound
	}
	u.apply(l)
	l.UpdatedAt = m.now().UTC()
	m.reindex(l)
	cp := *l
	return &cp, nil
}

// reindex keeps the proximity index limited to available drivers.
func (m *MemoryStore) reindex(l *models.DriverLocation) {
	ctx := context.Background()
	if l.Status == models.DriverAvailable {
		_ = m.available.Upsert(ctx, l.DriverID, l.Latitude, l.Longitude)
		return
	}
	_ = m.available.Remove(ctx, l.DriverID)
}

func (m *MemoryStore) GetAvailableDriversNearLocation(ctx context.Context, lat, lng, radiusMeters float64, limit int) ([]NearbyDriver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	found, err := m.available.Nearby(ctx, lat, lng, radiusMeters, limit)
	if err != nil {
		return nil, err
	}
	out := make([]NearbyDriver, 0, len(found))
	for _, c := range found {
		out = append(out, NearbyDriver{DriverID: c.DriverID, DistanceMeters: c.DistanceMeters})
	}
	return out, nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, id int64) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetPassengerByID(_ context.Context, id int64) (*models.Passenger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.passengers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

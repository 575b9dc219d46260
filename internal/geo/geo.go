package geo

import (
	"context"
	"math"
	"sort"
	"sync"
)

// Candidate is a driver found by a proximity query.
type Candidate struct {
	DriverID       int64
	DistanceMeters float64
}

// Geo is the proximity index consulted by the driver locator. Only drivers
// that are currently available should be present in it.
type Geo interface {
	Upsert(ctx context.Context, driverID int64, lat, lon float64) error
	Remove(ctx context.Context, driverID int64) error
	Nearby(ctx context.Context, lat, lon, radiusMeters float64, limit int) ([]Candidate, error)
}

type point struct {
	lat, lon float64
}

// Index is an in-process Geo.
type Index struct {
	mu      sync.RWMutex
	drivers map[int64]point
}

var _ Geo = (*Index)(nil)

func NewIndex() *Index {
	return &Index{drivers: make(map[int64]point)}
}

func (g *Index) Upsert(_ context.Context, driverID int64, lat, lon float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driverID] = point{lat: lat, lon: lon}
	return nil
}

func (g *Index) Remove(_ context.Context, driverID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

func (g *Index) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.drivers)
}

// naive scan; nearest first, ties broken by driver id
func (g *Index) Nearby(_ context.Context, lat, lon, radiusMeters float64, limit int) ([]Candidate, error) {
	g.mu.RLock()
	out := make([]Candidate, 0, len(g.drivers))
	for id, p := range g.drivers {
		dist := Haversine(lat, lon, p.lat, p.lon)
		if dist <= radiusMeters {
			out = append(out, Candidate{DriverID: id, DistanceMeters: dist})
		}
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMeters == out[j].DistanceMeters {
			return out[i].DriverID < out[j].DriverID
		}
		return out[i].DistanceMeters < out[j].DistanceMeters
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Package matcher finds candidate drivers for a new ride request.
package matcher

import (
	"context"
	"log/slog"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	DefaultRadiusMeters = 10000
	DefaultTopN         = 50
)

// Store is the slice of the gateway the locator reads.
type Store interface {
	GetAvailableDriversNearLocation(ctx context.Context, lat, lng, radiusMeters float64, limit int) ([]storage.NearbyDriver, error)
	GetDriverLocationByDriverID(ctx context.Context, driverID int64) (*models.DriverLocation, error)
}

// Locator answers "which available drivers are near this point". When Geo is
// set it is consulted first and every hit is re-checked against the store,
// since the index may lag behind status changes.
type Locator struct {
	Store        Store
	Geo          geo.Geo
	RadiusMeters float64
	TopN         int
	Logger       *slog.Logger
}

// FindAvailable returns driver ids nearest first. A radius <= 0 uses the
// locator default. No match is an empty list, not an error.
func (l *Locator) FindAvailable(ctx context.Context, lat, lng, radiusMeters float64) ([]int64, error) {
	if radiusMeters <= 0 {
		radiusMeters = l.RadiusMeters
	}
	if radiusMeters <= 0 {
		radiusMeters = DefaultRadiusMeters
	}
	topN := l.TopN
	if topN <= 0 {
		topN = DefaultTopN
	}

	if l.Geo != nil {
		ids, err := l.fromIndex(ctx, lat, lng, radiusMeters, topN)
		if err == nil {
			return ids, nil
		}
		l.logger().Warn("geo index lookup failed, using store", "err", err)
	}

	near, err := l.Store.GetAvailableDriversNearLocation(ctx, lat, lng, radiusMeters, topN)
	if err != nil {
		return []int64{}, err
	}
	ids := make([]int64, 0, len(near))
	for _, d := range near {
		ids = append(ids, d.DriverID)
	}
	return ids, nil
}

func (l *Locator) fromIndex(ctx context.Context, lat, lng, radiusMeters float64, topN int) ([]int64, error) {
	cands, err := l.Geo.Nearby(ctx, lat, lng, radiusMeters, topN)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(cands))
	for _, c := range cands {
		loc, err := l.Store.GetDriverLocationByDriverID(ctx, c.DriverID)
		if err != nil {
			l.logger().Debug("skip indexed driver", "driver_id", c.DriverID, "err", err)
			continue
		}
		if loc.Status != models.DriverAvailable {
			continue
		}
		ids = append(ids, c.DriverID)
	}
	return ids, nil
}

func (l *Locator) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

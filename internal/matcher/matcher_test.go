package matcher

import (
	"context"
	"errors"
	"testing"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type fakeGeo struct {
	cands []geo.Candidate
	err   error
}

func (f *fakeGeo) Upsert(context.Context, int64, float64, float64) error { return nil }
func (f *fakeGeo) Remove(context.Context, int64) error                   { return nil }
func (f *fakeGeo) Nearby(context.Context, float64, float64, float64, int) ([]geo.Candidate, error) {
	return f.cands, f.err
}

func seeded(t *testing.T) *storage.MemoryStore {
	t.Helper()
	m := storage.NewMemoryStore()
	ctx := context.Background()
	for _, l := range []models.DriverLocation{
		{DriverID: 20, Latitude: -23.0, Longitude: -47.0, Status: models.DriverAvailable},
		{DriverID: 21, Latitude: -23.01, Longitude: -47.0, Status: models.DriverAvailable},
		{DriverID: 22, Latitude: -23.0, Longitude: -47.0, Status: models.DriverOffline},
		{DriverID: 23, Latitude: -24.0, Longitude: -47.0, Status: models.DriverAvailable},
	} {
		if err := m.CreateDriverLocation(ctx, &l); err != nil {
			t.Fatal(err)
		}
	}
	return m
}

func TestFindAvailableFromStore(t *testing.T) {
	l := &Locator{Store: seeded(t)}
	ids, err := l.FindAvailable(context.Background(), -23.0, -47.0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != 20 || ids[1] != 21 {
		t.Fatalf("expected [20 21], got %v", ids)
	}
}

func TestFindAvailableEmptyIsNotError(t *testing.T) {
	l := &Locator{Store: storage.NewMemoryStore()}
	ids, err := l.FindAvailable(context.Background(), 0, 0, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if ids == nil || len(ids) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", ids)
	}
}

func TestFindAvailableRechecksIndexHits(t *testing.T) {
	g := &fakeGeo{cands: []geo.Candidate{{DriverID: 22}, {DriverID: 20}, {DriverID: 99}}}
	l := &Locator{Store: seeded(t), Geo: g}
	ids, err := l.FindAvailable(context.Background(), -23.0, -47.0, 5000)
	if err != nil {
		t.Fatal(err)
	}
	// 22 is offline, 99 has no location row
	if len(ids) != 1 || ids[0] != 20 {
		t.Fatalf("expected [20], got %v", ids)
	}
}

func TestFindAvailableFallsBackWhenIndexFails(t *testing.T) {
	l := &Locator{Store: seeded(t), Geo: &fakeGeo{err: errors.New("redis down")}}
	ids, err := l.FindAvailable(context.Background(), -23.0, -47.0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected store fallback to find 2 drivers, got %v", ids)
	}
}

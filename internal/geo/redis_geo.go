package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGeo implements Geo using Redis GEO commands. Members are driver ids.
type RedisGeo struct {
	client redis.UniversalClient
	key    string
}

var _ Geo = (*RedisGeo)(nil)

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisGeoFromClient(c, key)
}

func NewRedisGeoFromClient(c redis.UniversalClient, key string) *RedisGeo {
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Client() redis.UniversalClient { return r.client }

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisGeo) Close() error { return r.client.Close() }

func (r *RedisGeo) Upsert(ctx context.Context, driverID int64, lat, lon float64) error {
	member := strconv.FormatInt(driverID, 10)
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: lon, Latitude: lat, Name: member})
		p.HSet(ctx, metaKey(driverID), "updated", time.Now().UTC().Format(time.RFC3339))
		return nil
	})
	if err != nil {
		return fmt.Errorf("geoadd driver %d: %w", driverID, err)
	}
	return nil
}

func (r *RedisGeo) Remove(ctx context.Context, driverID int64) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, r.key, strconv.FormatInt(driverID, 10))
		p.Del(ctx, metaKey(driverID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("georem driver %d: %w", driverID, err)
	}
	return nil
}

func (r *RedisGeo) Nearby(ctx context.Context, lat, lon, radiusMeters float64, limit int) ([]Candidate, error) {
	q := &redis.GeoRadiusQuery{Radius: radiusMeters, Unit: "m", WithDist: true, Sort: "ASC"}
	if limit > 0 {
		q.Count = limit
	}
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, q).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius %s: %w", r.key, err)
	}
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		id, err := strconv.ParseInt(g.Name, 10, 64)
		if err != nil {
			// foreign member in the set
			continue
		}
		out = append(out, Candidate{DriverID: id, DistanceMeters: g.Dist})
	}
	return out, nil
}

func metaKey(driverID int64) string { return "driver:meta:" + strconv.FormatInt(driverID, 10) }

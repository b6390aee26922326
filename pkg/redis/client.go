package redis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const driverLocationsKey = "driver:locations"

// Client wraps the Redis connection.
type Client struct {
	rdb *goredis.Client
}

// DriverPosition is one member of the driver GEO set.
type DriverPosition struct {
	DriverID   string
	Latitude   float64
	Longitude  float64
	DistanceKm float64
}

// NewClient connects to Redis with retry.
func NewClient(addr string) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rdb.Ping(ctx).Err(); err == nil {
			cancel()
			log.Println("Connected to Redis")
			return &Client{rdb: rdb}, nil
		}
		cancel()
		log.Printf("Waiting for Redis... (%d/20)", i+1)
		time.Sleep(2 * time.Second)
	}
	return nil, fmt.Errorf("redis: failed to connect after 20 attempts")
}

// SetDriverLocation stores a driver's position in a Redis GEO set.
func (c *Client) SetDriverLocation(ctx context.Context, driverID string, lat, lng float64) error {
	return c.rdb.GeoAdd(ctx, driverLocationsKey, &goredis.GeoLocation{
		Name:      driverID,
		Longitude: lng,
		Latitude:  lat,
	}).Err()
}

// GetNearbyDrivers returns up to count drivers within radiusKm of (lat,lng),
// nearest first.
func (c *Client) GetNearbyDrivers(ctx context.Context, lat, lng, radiusKm float64, count int) ([]DriverPosition, error) {
	res, err := c.rdb.GeoRadius(ctx, driverLocationsKey, lng, lat, &goredis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Count:     count,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DriverPosition, 0, len(res))
	for _, loc := range res {
		out = append(out, DriverPosition{
			DriverID:   loc.Name,
			Latitude:   loc.Latitude,
			Longitude:  loc.Longitude,
			DistanceKm: loc.Dist,
		})
	}
	return out, nil
}

// RemoveDriverLocation removes a driver from the GEO set (e.g. going offline).
func (c *Client) RemoveDriverLocation(ctx context.Context, driverID string) error {
	return c.rdb.ZRem(ctx, driverLocationsKey, driverID).Err()
}

func customerKey(email string) string {
	return "payments:customer:" + strings.ToLower(strings.TrimSpace(email))
}

// CacheCustomer remembers which processor customer an email resolved to.
func (c *Client) CacheCustomer(ctx context.Context, email, customerID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, customerKey(email), customerID, ttl).Err()
}

// GetCachedCustomer returns the cached customer id for email, if any.
func (c *Client) GetCachedCustomer(ctx context.Context, email string) (string, bool, error) {
	id, err := c.rdb.Get(ctx, customerKey(email)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

// Close tears down the Redis connection.
func (c *Client) Close() error { return c.rdb.Close() }

package drivers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"

	"github.com/jackc/pgx/v5"

	"ryde-service/internal/geo"
	"ryde-service/pkg/apperr"
	"ryde-service/pkg/db"
	rredis "ryde-service/pkg/redis"
	"ryde-service/pkg/validation"
)

const (
	defaultRadiusKm = 5.0
	maxRadiusKm     = 50.0
	defaultLimit    = 10
	maxLimit        = 50
)

// ErrNotFound is returned for an unknown driver id.
var ErrNotFound = apperr.NotFound("driver not found")

// Positions stores live driver coordinates. *redis.Client implements it.
type Positions interface {
	SetDriverLocation(ctx context.Context, driverID string, lat, lng float64) error
	GetNearbyDrivers(ctx context.Context, lat, lng, radiusKm float64, count int) ([]rredis.DriverPosition, error)
	RemoveDriverLocation(ctx context.Context, driverID string) error
}

// Service contains driver business logic.
type Service struct {
	db        db.Querier
	positions Positions
}

// NewService creates a driver service.
func NewService(q db.Querier, positions Positions) *Service {
	return &Service{db: q, positions: positions}
}

const driverColumns = `id, first_name, last_name, profile_image_url, car_image_url, car_seats, rating::float8`

// List returns every driver.
func (s *Service) List(ctx context.Context) ([]Driver, error) {
	rows, err := s.db.Query(ctx, `SELECT `+driverColumns+` FROM drivers ORDER BY id`)
	if err != nil {
		return nil, apperr.Upstream("list drivers", err)
	}
	return collect(rows)
}

// GetByID fetches a driver by primary key.
func (s *Service) GetByID(ctx context.Context, id int64) (*Driver, error) {
	var d Driver
	err := s.db.QueryRow(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id).
		Scan(&d.ID, &d.FirstName, &d.LastName, &d.ProfileImageURL, &d.CarImageURL, &d.CarSeats, &d.Rating)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperr.Upstream("get driver", err)
	}
	return &d, nil
}

// UpdateLocation stores a known driver's current position.
func (s *Service) UpdateLocation(ctx context.Context, id int64, loc LocationUpdate) error {
	if loc.Lat == nil || loc.Lng == nil {
		return apperr.ErrMissingFields
	}
	if !validation.ValidateCoordinates(*loc.Lat, *loc.Lng) {
		return apperr.Validation("invalid coordinates")
	}
	if _, err := s.GetByID(ctx, id); err != nil {
		return err
	}
	if err := s.positions.SetDriverLocation(ctx, strconv.FormatInt(id, 10), *loc.Lat, *loc.Lng); err != nil {
		return apperr.Upstream("set driver location", err)
	}
	return nil
}

// GoOffline drops a driver from the nearby search.
func (s *Service) GoOffline(ctx context.Context, id int64) error {
	if err := s.positions.RemoveDriverLocation(ctx, strconv.FormatInt(id, 10)); err != nil {
		return apperr.Upstream("remove driver location", err)
	}
	return nil
}

// Nearby returns map markers for drivers around the rider, nearest first.
// With a destination each marker carries the ride time and price.
func (s *Service) Nearby(ctx context.Context, q NearbyQuery) ([]Marker, error) {
	if !validation.ValidateCoordinates(q.Latitude, q.Longitude) {
		return nil, apperr.Validation("invalid coordinates")
	}
	if (q.DestLat == nil) != (q.DestLng == nil) {
		return nil, apperr.Validation("destination needs both dest_lat and dest_lng")
	}
	if q.DestLat != nil && !validation.ValidateCoordinates(*q.DestLat, *q.DestLng) {
		return nil, apperr.Validation("invalid destination coordinates")
	}
	if q.RadiusKm <= 0 {
		q.RadiusKm = defaultRadiusKm
	}
	if q.RadiusKm > maxRadiusKm {
		q.RadiusKm = maxRadiusKm
	}
	if q.Limit <= 0 || q.Limit > maxLimit {
		q.Limit = defaultLimit
	}

	positions, err := s.positions.GetNearbyDrivers(ctx, q.Latitude, q.Longitude, q.RadiusKm, q.Limit)
	if err != nil {
		return nil, apperr.Upstream("nearby drivers", err)
	}
	if len(positions) == 0 {
		return []Marker{}, nil
	}

	ids := make([]int64, 0, len(positions))
	for _, p := range positions {
		id, err := strconv.ParseInt(p.DriverID, 10, 64)
		if err != nil {
			log.Printf("[drivers] ignoring position with bad id %q", p.DriverID)
			continue
		}
		ids = append(ids, id)
	}

	rows, err := s.db.Query(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, apperr.Upstream("load nearby drivers", err)
	}
	found, err := collect(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]Driver, len(found))
	for _, d := range found {
		byID[d.ID] = d
	}

	user := geo.LatLng{Lat: q.Latitude, Lng: q.Longitude}
	markers := make([]Marker, 0, len(positions))
	for _, p := range positions {
		id, _ := strconv.ParseInt(p.DriverID, 10, 64)
		d, ok := byID[id]
		if !ok {
			continue
		}
		m := Marker{
			Driver:     d,
			Title:      fmt.Sprintf("%s %s", d.FirstName, d.LastName),
			Latitude:   p.Latitude,
			Longitude:  p.Longitude,
			DistanceKm: p.DistanceKm,
		}
		if q.DestLat != nil {
			est := geo.EstimateRide(geo.LatLng{Lat: p.Latitude, Lng: p.Longitude}, user,
				geo.LatLng{Lat: *q.DestLat, Lng: *q.DestLng})
			m.Time = &est.TotalMinutes
			m.Price = &est.Price
		}
		markers = append(markers, m)
	}
	return markers, nil
}

func collect(rows pgx.Rows) ([]Driver, error) {
	defer rows.Close()
	out := []Driver{}
	for rows.Next() {
		var d Driver
		if err := rows.Scan(&d.ID, &d.FirstName, &d.LastName, &d.ProfileImageURL, &d.CarImageURL,
			&d.CarSeats, &d.Rating); err != nil {
			return nil, apperr.Upstream("scan driver", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Upstream("list drivers", err)
	}
	return out, nil
}

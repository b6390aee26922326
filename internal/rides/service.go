package rides

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"ryde-service/internal/booking"
	"ryde-service/internal/events"
	"ryde-service/pkg/apperr"
	"ryde-service/pkg/db"
	"ryde-service/pkg/validation"
)

const rideColumns = `ride_id, origin_address, destination_address,
	origin_latitude, origin_longitude, destination_latitude, destination_longitude,
	ride_time, fare_price, payment_status, driver_id, user_id, payment_intent_id, created_at`

// Attempts is the part of the booking saga store rides advance.
type Attempts interface {
	MarkRecorded(ctx context.Context, paymentIntentID string, rideID int64) error
}

// Service contains ride business logic.
type Service struct {
	db       db.Querier
	attempts Attempts
	bus      events.Publisher
}

// NewService creates a ride service. attempts and bus may be nil.
func NewService(q db.Querier, attempts Attempts, bus events.Publisher) *Service {
	return &Service{db: q, attempts: attempts, bus: bus}
}

// CreateRide validates and stores one ride. The bool reports whether a new
// row was written; it is false when the payment intent already had a ride.
func (s *Service) CreateRide(ctx context.Context, req CreateRequest) (*Ride, bool, error) {
	in, err := parseCreate(req)
	if err != nil {
		return nil, false, err
	}

	ride, err := scanRide(s.db.QueryRow(ctx,
		`INSERT INTO rides (origin_address, destination_address,
		        origin_latitude, origin_longitude, destination_latitude, destination_longitude,
		        ride_time, fare_price, payment_status, driver_id, user_id, payment_intent_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (payment_intent_id) DO NOTHING
		 RETURNING `+rideColumns,
		in.OriginAddress, in.DestinationAddress,
		in.OriginLatitude, in.OriginLongitude, in.DestinationLatitude, in.DestinationLongitude,
		in.RideTime, in.FarePrice, in.PaymentStatus, in.DriverID, in.UserID, in.PaymentIntentID))

	created := true
	if errors.Is(err, pgx.ErrNoRows) && in.PaymentIntentID != nil {
		created = false
		ride, err = s.getByPaymentIntent(ctx, *in.PaymentIntentID)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return nil, false, apperr.Validation("unknown driver or user")
		}
		return nil, false, apperr.Upstream("insert ride", err)
	}
	if !created && ride.UserID != in.UserID {
		log.Printf("[rides] %s already recorded for another user, rejecting %s", *in.PaymentIntentID, in.UserID)
		return nil, false, apperr.Conflict("payment intent already recorded for another user")
	}

	if in.PaymentIntentID != nil {
		s.markRecorded(ctx, ride)
	}
	if created {
		log.Printf("[rides] ride %d recorded for user %s", ride.RideID, ride.UserID)
	}
	return ride, created, nil
}

func (s *Service) getByPaymentIntent(ctx context.Context, paymentIntentID string) (*Ride, error) {
	return scanRide(s.db.QueryRow(ctx,
		`SELECT `+rideColumns+` FROM rides WHERE payment_intent_id = $1`, paymentIntentID))
}

func (s *Service) markRecorded(ctx context.Context, ride *Ride) {
	intentID := *ride.PaymentIntentID
	if s.attempts != nil {
		if err := s.attempts.MarkRecorded(ctx, intentID, ride.RideID); err != nil && !errors.Is(err, booking.ErrNotFound) {
			log.Printf("[rides] mark attempt %s recorded: %v", intentID, err)
		}
	}
	if s.bus == nil {
		return
	}
	ev := events.BookingEvent{
		Type:            events.TopicRideRecorded,
		PaymentIntentID: intentID,
		UserID:          ride.UserID,
		State:           string(booking.StateRideRecorded),
		Amount:          ride.FarePrice,
		RideID:          ride.RideID,
		OccurredAt:      time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.bus.Publish(ctx, events.TopicRideRecorded, intentID, ev); err != nil {
		log.Printf("[rides] failed to publish %s: %v", events.TopicRideRecorded, err)
	}
}

// ListRidesForUser returns a user's rides with their drivers, newest first.
// A user with no rides gets an empty, non-nil slice.
func (s *Service) ListRidesForUser(ctx context.Context, userID string) ([]Ride, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperr.ErrMissingFields
	}

	rows, err := s.db.Query(ctx,
		`SELECT r.ride_id, r.origin_address, r.destination_address,
		        r.origin_latitude, r.origin_longitude, r.destination_latitude, r.destination_longitude,
		        r.ride_time, r.fare_price, r.payment_status, r.driver_id, r.user_id, r.payment_intent_id,
		        r.created_at,
		        d.id, d.first_name, d.last_name, d.profile_image_url, d.car_image_url,
		        d.car_seats, d.rating::float8
		   FROM rides r
		   JOIN drivers d ON d.id = r.driver_id
		  WHERE r.user_id = $1
		  ORDER BY r.created_at DESC, r.ride_id DESC`, userID)
	if err != nil {
		return nil, apperr.Upstream("list rides", err)
	}
	defer rows.Close()

	out := []Ride{}
	for rows.Next() {
		var r Ride
		var d Driver
		if err := rows.Scan(&r.RideID, &r.OriginAddress, &r.DestinationAddress,
			&r.OriginLatitude, &r.OriginLongitude, &r.DestinationLatitude, &r.DestinationLongitude,
			&r.RideTime, &r.FarePrice, &r.PaymentStatus, &r.DriverID, &r.UserID, &r.PaymentIntentID,
			&r.CreatedAt,
			&d.DriverID, &d.FirstName, &d.LastName, &d.ProfileImageURL, &d.CarImageURL,
			&d.CarSeats, &d.Rating); err != nil {
			return nil, apperr.Upstream("scan ride", err)
		}
		r.Driver = &d
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Upstream("list rides", err)
	}
	return out, nil
}

func scanRide(row pgx.Row) (*Ride, error) {
	var r Ride
	err := row.Scan(&r.RideID, &r.OriginAddress, &r.DestinationAddress,
		&r.OriginLatitude, &r.OriginLongitude, &r.DestinationLatitude, &r.DestinationLongitude,
		&r.RideTime, &r.FarePrice, &r.PaymentStatus, &r.DriverID, &r.UserID, &r.PaymentIntentID,
		&r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// rideInput is a CreateRequest after parsing.
type rideInput struct {
	OriginAddress        string
	DestinationAddress   string
	OriginLatitude       float64
	OriginLongitude      float64
	DestinationLatitude  float64
	DestinationLongitude float64
	RideTime             int64
	FarePrice            int64
	PaymentStatus        string
	DriverID             int64
	UserID               string
	PaymentIntentID      *string
}

func parseCreate(req CreateRequest) (*rideInput, error) {
	var p validation.Presence
	p.String("origin_address", req.OriginAddress)
	p.String("destination_address", req.DestinationAddress)
	p.Number("origin_latitude", req.OriginLatitude)
	p.Number("origin_longitude", req.OriginLongitude)
	p.Number("destination_latitude", req.DestinationLatitude)
	p.Number("destination_longitude", req.DestinationLongitude)
	p.Number("ride_time", req.RideTime)
	p.Number("fare_price", req.FarePrice)
	p.String("payment_status", req.PaymentStatus)
	p.Number("driver_id", req.DriverID)
	p.String("user_id", req.UserID)
	if err := p.Err(); err != nil {
		log.Printf("[rides] rejected create: %v", err)
		return nil, apperr.ErrMissingFields
	}

	in := &rideInput{
		OriginAddress:      strings.TrimSpace(*req.OriginAddress),
		DestinationAddress: strings.TrimSpace(*req.DestinationAddress),
		PaymentStatus:      strings.ToLower(strings.TrimSpace(*req.PaymentStatus)),
		UserID:             strings.TrimSpace(*req.UserID),
	}
	if id := strings.TrimSpace(req.PaymentIntentID); id != "" {
		in.PaymentIntentID = &id
	}

	var err error
	for _, f := range []struct {
		name string
		src  *json.Number
		dst  *float64
	}{
		{"origin_latitude", req.OriginLatitude, &in.OriginLatitude},
		{"origin_longitude", req.OriginLongitude, &in.OriginLongitude},
		{"destination_latitude", req.DestinationLatitude, &in.DestinationLatitude},
		{"destination_longitude", req.DestinationLongitude, &in.DestinationLongitude},
	} {
		if *f.dst, err = f.src.Float64(); err != nil {
			return nil, apperr.Validation(f.name + " must be a number")
		}
	}
	if !validation.ValidateCoordinates(in.OriginLatitude, in.OriginLongitude) {
		return nil, apperr.Validation("origin coordinates out of range")
	}
	if !validation.ValidateCoordinates(in.DestinationLatitude, in.DestinationLongitude) {
		return nil, apperr.Validation("destination coordinates out of range")
	}

	minutes, err := req.RideTime.Float64()
	if err != nil || minutes < 0 || minutes > math.MaxInt32 {
		return nil, apperr.Validation("ride_time must be a non-negative number of minutes")
	}
	in.RideTime = int64(math.Round(minutes))

	if in.FarePrice, err = wholeNumber(*req.FarePrice); err != nil || in.FarePrice < 0 {
		return nil, apperr.Validation("fare_price must be a non-negative integer")
	}
	if in.DriverID, err = wholeNumber(*req.DriverID); err != nil || in.DriverID <= 0 || in.DriverID > math.MaxInt32 {
		return nil, apperr.Validation("driver_id must be a positive integer")
	}

	switch in.PaymentStatus {
	case PaymentPaid, PaymentPending, PaymentFailed, PaymentRefunded:
	default:
		return nil, apperr.Validation(fmt.Sprintf("payment_status must be one of %s, %s, %s, %s",
			PaymentPaid, PaymentPending, PaymentFailed, PaymentRefunded))
	}
	return in, nil
}

// wholeNumber accepts integers, including ones written as 2500.0.
func wholeNumber(n json.Number) (int64, error) {
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt64 {
		return 0, fmt.Errorf("%s is not a whole number", n)
	}
	return int64(f), nil
}

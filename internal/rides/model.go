package rides

import (
	"encoding/json"
	"time"
)

// Payment statuses a ride can be recorded with.
const (
	PaymentPaid     = "paid"
	PaymentPending  = "pending"
	PaymentFailed   = "failed"
	PaymentRefunded = "refunded"
)

// Ride is a persisted ride. Driver is filled on history reads only.
type Ride struct {
	RideID               int64     `json:"ride_id"`
	OriginAddress        string    `json:"origin_address"`
	DestinationAddress   string    `json:"destination_address"`
	OriginLatitude       float64   `json:"origin_latitude"`
	OriginLongitude      float64   `json:"origin_longitude"`
	DestinationLatitude  float64   `json:"destination_latitude"`
	DestinationLongitude float64   `json:"destination_longitude"`
	RideTime             int64     `json:"ride_time"`  // minutes
	FarePrice            int64     `json:"fare_price"` // minor units
	PaymentStatus        string    `json:"payment_status"`
	DriverID             int64     `json:"driver_id"`
	UserID               string    `json:"user_id"`
	PaymentIntentID      *string   `json:"payment_intent_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	Driver               *Driver   `json:"driver,omitempty"`
}

// Driver is the driver summary nested in a history row.
type Driver struct {
	DriverID        int64   `json:"driver_id"`
	FirstName       string  `json:"first_name"`
	LastName        string  `json:"last_name"`
	ProfileImageURL string  `json:"profile_image_url"`
	CarImageURL     string  `json:"car_image_url"`
	CarSeats        int     `json:"car_seats"`
	Rating          float64 `json:"rating"`
}

// CreateRequest is the body for POST /rides. Every field except
// PaymentIntentID is required; a field counts as present when it was sent,
// so zero coordinates and a zero fare are accepted. Numbers may arrive as
// JSON numbers or numeric strings.
type CreateRequest struct {
	OriginAddress        *string      `json:"origin_address"`
	DestinationAddress   *string      `json:"destination_address"`
	OriginLatitude       *json.Number `json:"origin_latitude"`
	OriginLongitude      *json.Number `json:"origin_longitude"`
	DestinationLatitude  *json.Number `json:"destination_latitude"`
	DestinationLongitude *json.Number `json:"destination_longitude"`
	RideTime             *json.Number `json:"ride_time"`
	FarePrice            *json.Number `json:"fare_price"`
	PaymentStatus        *string      `json:"payment_status"`
	DriverID             *json.Number `json:"driver_id"`
	UserID               *string      `json:"user_id"`

	// PaymentIntentID makes recording idempotent: a second request with the
	// same id returns the ride recorded by the first.
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
}

package booking

import (
	"encoding/json"
	"time"
)

// Attempt is the server-side record of one checkout. It is keyed by the
// payment intent id, which doubles as the idempotency key for recording the
// ride.
type Attempt struct {
	ID              string          `json:"id"`
	RequestID       string          `json:"request_id,omitempty"`
	PaymentIntentID string          `json:"payment_intent_id"`
	CustomerID      string          `json:"customer_id"`
	UserID          string          `json:"user_id,omitempty"`
	Amount          int64           `json:"amount"` // minor units
	State           State           `json:"state"`
	RideDraft       json.RawMessage `json:"ride_draft,omitempty"`
	RideID          *int64          `json:"ride_id,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

package events

import "context"

// Well-known topic names.
const (
	TopicIntentCreated    = "payment.intent_created"
	TopicPaymentConfirmed = "payment.confirmed"
	TopicPaymentFailed    = "payment.failed"
	TopicRideRecorded     = "ride.recorded"
)

// Topics lists every topic the service publishes to.
var Topics = []string{
	TopicIntentCreated,
	TopicPaymentConfirmed,
	TopicPaymentFailed,
	TopicRideRecorded,
}

// Publisher sends a JSON-serialised value to a topic, keyed for ordering.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value any) error
}

// Subscriber runs handler for every message on topic in a background
// goroutine until ctx is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, groupID string, handler func([]byte) error)
}

// Bus is both ends of the event transport.
type Bus interface {
	Publisher
	Subscriber
}

// BookingEvent is published on every booking saga transition. All four
// topics share this payload; Type repeats the topic for consumers that read
// several of them.
type BookingEvent struct {
	Type            string `json:"type"`
	PaymentIntentID string `json:"payment_intent_id"`
	CustomerID      string `json:"customer_id,omitempty"`
	UserID          string `json:"user_id,omitempty"`
	State           string `json:"state"`
	Amount          int64  `json:"amount,omitempty"`
	RideID          int64  `json:"ride_id,omitempty"`
	OccurredAt      string `json:"occurred_at"`
}

package payments

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Amount is a fare in major currency units. Clients send it either as a JSON
// number or as a numeric string.
type Amount float64

func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("amount: %w", err)
		}
		*a = Amount(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*a = Amount(f)
	return nil
}

// CreateRequest is the body for POST /payments/create.
type CreateRequest struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	Amount Amount `json:"amount"`

	// UserID keys the processor customer when present. Without it the
	// customer is found by email.
	UserID string `json:"user_id,omitempty"`
	// RequestID is generated once per checkout by the client and makes
	// intent creation safe to retry.
	RequestID string `json:"request_id,omitempty"`
	// Ride is the ride the client intends to record once payment succeeds.
	Ride json.RawMessage `json:"ride,omitempty"`
}

// ConfirmRequest is the body for POST /payments/confirm.
type ConfirmRequest struct {
	PaymentMethodID string `json:"payment_method_id"`
	PaymentIntentID string `json:"payment_intent_id"`
	CustomerID      string `json:"customer_id"`
}

// Intent is the subset of a processor payment intent the app uses.
type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Status       string `json:"status"`
	Customer     string `json:"customer,omitempty"`
}

// Succeeded reports whether the processor has captured the payment.
func (i *Intent) Succeeded() bool { return i != nil && i.Status == "succeeded" }

// EphemeralKey lets the client SDK act on the customer for a short time.
type EphemeralKey struct {
	ID      string `json:"id"`
	Secret  string `json:"secret"`
	Expires int64  `json:"expires"`
}

// CreateResponse is returned by POST /payments/create.
type CreateResponse struct {
	PaymentIntent *Intent       `json:"paymentIntent"`
	EphemeralKey  *EphemeralKey `json:"ephemeralKey"`
	Customer      string        `json:"customer"`
}

// ConfirmResponse is returned by POST /payments/confirm.
type ConfirmResponse struct {
	Success bool    `json:"success"`
	Message string  `json:"message"`
	Result  *Intent `json:"result"`
}

// CustomerParams describes a customer to create at the processor.
type CustomerParams struct {
	Name           string
	Email          string
	UserID         string
	IdempotencyKey string
}

// IntentParams describes a payment intent to create at the processor.
type IntentParams struct {
	CustomerID     string
	Amount         int64 // minor units
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"ryde-service/internal/booking"
	"ryde-service/internal/payments"
	"ryde-service/internal/rides"
)

// ErrUserCancelled is returned by a PaymentSheet when the user closes it.
// It never reaches the server.
var ErrUserCancelled = errors.New("payment cancelled by user")

// Saga step names as they appear in Outcome.Steps.
const (
	StepCreatePayment  = "create_payment"
	StepPresentSheet   = "present_sheet"
	StepConfirmPayment = "confirm_payment"
	StepRecordRide     = "record_ride"
)

// SheetParams is what the payment sheet needs to collect a card.
type SheetParams struct {
	CustomerID         string
	EphemeralKeySecret string
	ClientSecret       string
	Amount             int64 // minor units
	MerchantName       string
}

// PaymentSheet collects a payment method from the user.
type PaymentSheet interface {
	Present(ctx context.Context, p SheetParams) (paymentMethodID string, err error)
}

// Booking is one checkout: who pays, how much, and the ride to record.
// Ride.FarePrice, PaymentStatus, UserID and PaymentIntentID are filled in by
// BookRide.
type Booking struct {
	Name   string
	Email  string
	Amount float64 // major units
	UserID string
	Ride   RideDraft
}

// Step is one recorded saga step.
type Step struct {
	Name     string        `json:"name"`
	State    booking.State `json:"state"` // state after the step
	Attempts int           `json:"attempts"`
	Err      string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
}

// Outcome is the result of BookRide. It is returned even on failure so the
// caller can tell what already happened, e.g. a charge without a ride.
type Outcome struct {
	RequestID       string          `json:"request_id"`
	PaymentIntentID string          `json:"payment_intent_id,omitempty"`
	CustomerID      string          `json:"customer_id,omitempty"`
	State           booking.State   `json:"state"`
	History         []booking.State `json:"history"`
	Steps           []Step          `json:"steps"`
	Ride            *rides.Ride     `json:"ride,omitempty"`
}

// Charged reports whether the payment went through.
func (o *Outcome) Charged() bool {
	for _, s := range o.History {
		if s == booking.StatePaymentConfirmed {
			return true
		}
	}
	return false
}

type saga struct {
	m   *booking.Machine
	out *Outcome
}

func (s *saga) step(name string, ev booking.Event, attempts int, err error) {
	if fireErr := s.m.Fire(ev); fireErr != nil {
		log.Printf("[client] %s: %v", name, fireErr)
	}
	st := Step{Name: name, State: s.m.State(), Attempts: attempts, At: time.Now()}
	if err != nil {
		st.Err = err.Error()
	}
	s.out.Steps = append(s.out.Steps, st)
	s.out.State = s.m.State()
	s.out.History = s.m.History()
}

// BookRide pays for a ride and records it: create the payment intent, let
// the user pay on the sheet, confirm the payment, then record the ride keyed
// by the payment intent. Each step runs only after the previous one
// succeeded; a failure ends the booking in the failed state.
func (c *Client) BookRide(ctx context.Context, b Booking, sheet PaymentSheet) (*Outcome, error) {
	s := &saga{m: booking.NewMachine(), out: &Outcome{RequestID: uuid.NewString()}}
	s.out.State = s.m.State()
	s.out.History = s.m.History()

	ride := b.Ride
	ride.FarePrice = int64(math.Round(b.Amount * 100))
	ride.PaymentStatus = rides.PaymentPaid
	if b.UserID != "" {
		ride.UserID = b.UserID
	}
	draft, err := json.Marshal(ride)
	if err != nil {
		return s.out, fmt.Errorf("encode ride draft: %w", err)
	}

	created, err := c.CreatePayment(ctx, payments.CreateRequest{
		Name:      b.Name,
		Email:     b.Email,
		Amount:    payments.Amount(b.Amount),
		UserID:    b.UserID,
		RequestID: s.out.RequestID,
		Ride:      draft,
	})
	if err != nil {
		s.step(StepCreatePayment, booking.EventFail, 1, err)
		return s.out, err
	}
	if created.PaymentIntent == nil {
		err := errors.New("create payment: no payment intent in response")
		s.step(StepCreatePayment, booking.EventFail, 1, err)
		return s.out, err
	}
	s.out.PaymentIntentID = created.PaymentIntent.ID
	s.out.CustomerID = created.Customer
	s.step(StepCreatePayment, booking.EventIntentCreated, 1, nil)

	params := SheetParams{
		CustomerID:   created.Customer,
		ClientSecret: created.PaymentIntent.ClientSecret,
		Amount:       created.PaymentIntent.Amount,
		MerchantName: "Ryde",
	}
	if created.EphemeralKey != nil {
		params.EphemeralKeySecret = created.EphemeralKey.Secret
	}
	pm, err := sheet.Present(ctx, params)
	if err != nil {
		s.step(StepPresentSheet, booking.EventFail, 1, err)
		return s.out, err
	}

	confirmed, err := c.ConfirmPayment(ctx, payments.ConfirmRequest{
		PaymentMethodID: pm,
		PaymentIntentID: created.PaymentIntent.ID,
		CustomerID:      created.Customer,
	})
	if err == nil && (confirmed.Result == nil || confirmed.Result.ClientSecret == "") {
		err = errors.New("confirm payment: result carries no client secret")
	}
	if err != nil {
		s.step(StepConfirmPayment, booking.EventFail, 1, err)
		return s.out, err
	}
	s.step(StepConfirmPayment, booking.EventPaymentConfirmed, 1, nil)

	ride.PaymentIntentID = created.PaymentIntent.ID
	recorded, attempts, err := c.recordRide(ctx, ride)
	if err != nil {
		// The card is charged; the server side sweep records the ride from
		// the draft sent with the payment.
		s.step(StepRecordRide, booking.EventFail, attempts, err)
		return s.out, err
	}
	s.out.Ride = recorded
	s.step(StepRecordRide, booking.EventRideRecorded, attempts, nil)
	return s.out, nil
}

// recordRide posts the ride, retrying transient failures. Retrying is safe
// because the server keys the ride by its payment intent.
func (c *Client) recordRide(ctx context.Context, ride RideDraft) (*rides.Ride, int, error) {
	delay := c.retryDelay
	var lastErr error
	for attempt := 1; attempt <= c.rideAttempts; attempt++ {
		r, err := c.CreateRide(ctx, ride)
		if err == nil {
			return r, attempt, nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return nil, attempt, err
		}
		if attempt == c.rideAttempts {
			break
		}
		log.Printf("[client] record ride %s failed (attempt %d/%d): %v", ride.PaymentIntentID, attempt, c.rideAttempts, err)
		select {
		case <-ctx.Done():
			return nil, attempt, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, c.rideAttempts, lastErr
}

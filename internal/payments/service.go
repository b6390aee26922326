package payments

import (
	"context"
	"errors"
	"log"
	"math"
	"strings"
	"time"

	"ryde-service/internal/booking"
	"ryde-service/internal/events"
	"ryde-service/pkg/apperr"
	"ryde-service/pkg/validation"
)

const customerCacheTTL = 24 * time.Hour

// CustomerCache remembers email → customer lookups for callers that do not
// send a user id.
type CustomerCache interface {
	GetCachedCustomer(ctx context.Context, email string) (string, bool, error)
	CacheCustomer(ctx context.Context, email, customerID string, ttl time.Duration) error
}

// Attempts records the server side of each checkout saga.
type Attempts interface {
	Create(ctx context.Context, a *booking.Attempt) error
	MarkConfirmed(ctx context.Context, paymentIntentID string) error
	MarkFailed(ctx context.Context, paymentIntentID, reason string) error
}

// Service contains payment business logic.
type Service struct {
	proc      Processor
	customers *CustomerStore
	cache     CustomerCache
	attempts  Attempts
	bus       events.Publisher
	currency  string
}

// NewService creates a payment service. cache may be nil.
func NewService(proc Processor, customers *CustomerStore, cache CustomerCache, attempts Attempts, bus events.Publisher, currency string) *Service {
	if currency == "" {
		currency = "usd"
	}
	return &Service{
		proc:      proc,
		customers: customers,
		cache:     cache,
		attempts:  attempts,
		bus:       bus,
		currency:  currency,
	}
}

// CreatePayment resolves the customer, issues an ephemeral key and creates a
// payment intent for amount × 100 minor units.
func (s *Service) CreatePayment(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	if req.Name == "" || req.Email == "" || req.Amount == 0 {
		return nil, apperr.ErrMissingFields
	}
	if req.Amount < 0 || math.IsNaN(float64(req.Amount)) || math.IsInf(float64(req.Amount), 0) {
		return nil, apperr.Validation("amount must be positive")
	}
	if !validation.ValidateEmail(req.Email) {
		return nil, apperr.Validation("invalid email")
	}
	minor := int64(math.Round(float64(req.Amount) * 100))

	customerID, err := s.resolveCustomer(ctx, req)
	if err != nil {
		return nil, apperr.Upstream("resolve customer", err)
	}

	key, err := s.proc.CreateEphemeralKey(ctx, customerID)
	if err != nil {
		return nil, apperr.Upstream("create ephemeral key", err)
	}

	params := IntentParams{
		CustomerID: customerID,
		Amount:     minor,
		Currency:   s.currency,
		Metadata:   map[string]string{},
	}
	if req.RequestID != "" {
		params.IdempotencyKey = "intent:" + req.RequestID
		params.Metadata["request_id"] = req.RequestID
	}
	if req.UserID != "" {
		params.Metadata["user_id"] = req.UserID
	}
	intent, err := s.proc.CreatePaymentIntent(ctx, params)
	if err != nil {
		return nil, apperr.Upstream("create payment intent", err)
	}

	attempt := &booking.Attempt{
		RequestID:       req.RequestID,
		PaymentIntentID: intent.ID,
		CustomerID:      customerID,
		UserID:          req.UserID,
		Amount:          minor,
		RideDraft:       req.Ride,
	}
	if err := s.attempts.Create(ctx, attempt); err != nil {
		return nil, apperr.Upstream("record booking attempt", err)
	}
	log.Printf("[payments] intent %s created for customer %s (%d %s)", intent.ID, customerID, minor, s.currency)

	s.publish(ctx, events.TopicIntentCreated, events.BookingEvent{
		PaymentIntentID: intent.ID,
		CustomerID:      customerID,
		UserID:          req.UserID,
		State:           string(booking.StateIntentCreated),
		Amount:          minor,
	})

	return &CreateResponse{PaymentIntent: intent, EphemeralKey: key, Customer: customerID}, nil
}

// resolveCustomer returns the processor customer for the request. With a
// user id the mapping table is authoritative; otherwise the first customer
// with a matching email wins.
func (s *Service) resolveCustomer(ctx context.Context, req CreateRequest) (string, error) {
	if req.UserID != "" {
		if id, ok, err := s.customers.Get(ctx, req.UserID); err != nil {
			return "", err
		} else if ok {
			return id, nil
		}
		id, err := s.proc.CreateCustomer(ctx, CustomerParams{
			Name:           req.Name,
			Email:          req.Email,
			UserID:         req.UserID,
			IdempotencyKey: "customer:" + req.UserID,
		})
		if err != nil {
			return "", err
		}
		return s.customers.Save(ctx, req.UserID, id, req.Email)
	}

	if s.cache != nil {
		if id, ok, err := s.cache.GetCachedCustomer(ctx, req.Email); err != nil {
			log.Printf("[payments] customer cache read: %v", err)
		} else if ok {
			return id, nil
		}
	}

	id, found, err := s.proc.FindCustomerByEmail(ctx, req.Email)
	if err != nil {
		return "", err
	}
	if !found {
		id, err = s.proc.CreateCustomer(ctx, CustomerParams{
			Name:           req.Name,
			Email:          req.Email,
			IdempotencyKey: "customer:email:" + strings.ToLower(req.Email),
		})
		if err != nil {
			return "", err
		}
	}

	if s.cache != nil {
		if err := s.cache.CacheCustomer(ctx, req.Email, id, customerCacheTTL); err != nil {
			log.Printf("[payments] customer cache write: %v", err)
		}
	}
	return id, nil
}

// ConfirmPayment attaches the payment method to the customer and confirms the
// intent with it.
func (s *Service) ConfirmPayment(ctx context.Context, req ConfirmRequest) (*ConfirmResponse, error) {
	req.PaymentMethodID = strings.TrimSpace(req.PaymentMethodID)
	req.PaymentIntentID = strings.TrimSpace(req.PaymentIntentID)
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	if req.PaymentMethodID == "" || req.PaymentIntentID == "" || req.CustomerID == "" {
		return nil, apperr.ErrMissingFields
	}

	suffix := req.PaymentIntentID + ":" + req.PaymentMethodID
	if err := s.proc.AttachPaymentMethod(ctx, req.PaymentMethodID, req.CustomerID, "attach:"+suffix); err != nil {
		return nil, s.confirmFailed(ctx, req, "attach payment method", err)
	}
	result, err := s.proc.ConfirmPaymentIntent(ctx, req.PaymentIntentID, req.PaymentMethodID, "confirm:"+suffix)
	if err != nil {
		return nil, s.confirmFailed(ctx, req, "confirm payment intent", err)
	}

	if err := s.attempts.MarkConfirmed(ctx, req.PaymentIntentID); err != nil {
		logAttemptErr("mark confirmed", req.PaymentIntentID, err)
	}
	log.Printf("[payments] intent %s confirmed (status %s)", result.ID, result.Status)

	s.publish(ctx, events.TopicPaymentConfirmed, events.BookingEvent{
		PaymentIntentID: req.PaymentIntentID,
		CustomerID:      req.CustomerID,
		State:           string(booking.StatePaymentConfirmed),
		Amount:          result.Amount,
	})

	return &ConfirmResponse{Success: true, Message: "Payment successful", Result: result}, nil
}

func (s *Service) confirmFailed(ctx context.Context, req ConfirmRequest, op string, err error) error {
	reason := DeclineReason(err)
	if reason == "" {
		reason = err.Error()
	}
	log.Printf("[payments] %s failed for intent %s: %s", op, req.PaymentIntentID, reason)

	if err := s.attempts.MarkFailed(ctx, req.PaymentIntentID, reason); err != nil {
		logAttemptErr("mark failed", req.PaymentIntentID, err)
	}
	s.publish(ctx, events.TopicPaymentFailed, events.BookingEvent{
		PaymentIntentID: req.PaymentIntentID,
		CustomerID:      req.CustomerID,
		State:           string(booking.StateFailed),
	})
	return apperr.Upstream(op, err)
}

func (s *Service) publish(ctx context.Context, topic string, ev events.BookingEvent) {
	if s.bus == nil {
		return
	}
	ev.Type = topic
	ev.OccurredAt = time.Now().UTC().Format(time.RFC3339)
	if err := s.bus.Publish(ctx, topic, ev.PaymentIntentID, ev); err != nil {
		log.Printf("[payments] failed to publish %s: %v", topic, err)
	}
}

// logAttemptErr reports saga bookkeeping problems. The payment outcome stands
// either way.
func logAttemptErr(op, intentID string, err error) {
	if errors.Is(err, booking.ErrNotFound) {
		log.Printf("[payments] %s: no booking attempt for intent %s", op, intentID)
		return
	}
	log.Printf("[payments] %s for intent %s: %v", op, intentID, err)
}

package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"ryde-service/internal/booking"
	"ryde-service/internal/events"
	"ryde-service/internal/payments"
	"ryde-service/internal/rides"
	"ryde-service/pkg/apperr"
)

const (
	batchSize = 50

	// defaultAbandonAfter is how long an unpaid intent may wait for its
	// payment sheet before the booking is given up.
	defaultAbandonAfter = 24 * time.Hour

	intentCanceled = "canceled"
)

// Attempts is the slice of the booking store the sweep needs.
type Attempts interface {
	ListStale(ctx context.Context, state booking.State, olderThan time.Time, limit int) ([]booking.Attempt, error)
	MarkConfirmed(ctx context.Context, paymentIntentID string) error
	MarkFailed(ctx context.Context, paymentIntentID, reason string) error
	Touch(ctx context.Context, paymentIntentID string) error
}

// Intents reads payment intents back from the processor.
type Intents interface {
	GetPaymentIntent(ctx context.Context, paymentIntentID string) (*payments.Intent, error)
}

// Recorder records a ride. *rides.Service implements it; recording moves the
// attempt to ride_recorded.
type Recorder interface {
	CreateRide(ctx context.Context, req rides.CreateRequest) (*rides.Ride, bool, error)
}

// Report counts what one sweep did.
type Report struct {
	Checked  int
	Recorded int
	Failed   int
	Pending  int
}

// Reconciler finds bookings that stopped between charging the card and
// recording the ride, and finishes them from the processor's view of the
// payment.
type Reconciler struct {
	attempts Attempts
	intents  Intents
	rides    Recorder
	bus      events.Publisher
	grace    time.Duration
	abandon  time.Duration
	now      func() time.Time
}

// New creates a reconciler. Attempts younger than grace are left to the
// client that started them. bus may be nil.
func New(attempts Attempts, intents Intents, rides Recorder, bus events.Publisher, grace time.Duration) *Reconciler {
	return &Reconciler{
		attempts: attempts,
		intents:  intents,
		rides:    rides,
		bus:      bus,
		grace:    grace,
		abandon:  defaultAbandonAfter,
		now:      time.Now,
	}
}

// Start runs a sweep every interval in a background goroutine until ctx is
// cancelled.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rep, err := r.Sweep(ctx)
				if err != nil {
					log.Printf("[reconcile] sweep: %v", err)
					continue
				}
				if rep.Checked > 0 {
					log.Printf("[reconcile] checked=%d recorded=%d failed=%d pending=%d",
						rep.Checked, rep.Recorded, rep.Failed, rep.Pending)
				}
			}
		}
	}()
}

// Sweep makes one pass over stale attempts: first those whose payment was
// confirmed but whose ride was never recorded, then those abandoned after the
// intent was created.
func (r *Reconciler) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	cutoff := r.now().Add(-r.grace)

	confirmed, err := r.attempts.ListStale(ctx, booking.StatePaymentConfirmed, cutoff, batchSize)
	if err != nil {
		return rep, fmt.Errorf("list confirmed attempts: %w", err)
	}
	created, err := r.attempts.ListStale(ctx, booking.StateIntentCreated, cutoff, batchSize)
	if err != nil {
		return rep, fmt.Errorf("list created attempts: %w", err)
	}

	for _, a := range append(confirmed, created...) {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Checked++
		r.reconcile(ctx, a, &rep)
	}
	return rep, nil
}

func (r *Reconciler) reconcile(ctx context.Context, a booking.Attempt, rep *Report) {
	intent, err := r.intents.GetPaymentIntent(ctx, a.PaymentIntentID)
	if err != nil {
		log.Printf("[reconcile] %s: fetch intent: %v", a.PaymentIntentID, err)
		r.pending(ctx, a, rep)
		return
	}

	if !intent.Succeeded() {
		// An unconfirmed intent may still be paid; only a canceled one, or a
		// confirmed attempt whose charge did not go through, is final.
		if a.State == booking.StatePaymentConfirmed || intent.Status == intentCanceled {
			r.fail(ctx, a, "payment intent "+intent.Status)
			rep.Failed++
			return
		}
		if r.now().Sub(a.CreatedAt) > r.abandon {
			r.fail(ctx, a, "abandoned with payment intent "+intent.Status)
			rep.Failed++
			return
		}
		r.pending(ctx, a, rep)
		return
	}

	if a.State == booking.StateIntentCreated {
		if err := r.attempts.MarkConfirmed(ctx, a.PaymentIntentID); err != nil {
			log.Printf("[reconcile] %s: mark confirmed: %v", a.PaymentIntentID, err)
			r.pending(ctx, a, rep)
			return
		}
		r.publish(ctx, events.TopicPaymentConfirmed, a, booking.StatePaymentConfirmed)
	}

	if len(a.RideDraft) == 0 || string(a.RideDraft) == "null" {
		log.Printf("[reconcile] %s: charged %d for customer %s but no ride draft to record",
			a.PaymentIntentID, a.Amount, a.CustomerID)
		r.pending(ctx, a, rep)
		return
	}

	var req rides.CreateRequest
	if err := json.Unmarshal(a.RideDraft, &req); err != nil {
		r.fail(ctx, a, "unreadable ride draft: "+err.Error())
		rep.Failed++
		return
	}
	req.PaymentIntentID = a.PaymentIntentID

	ride, _, err := r.rides.CreateRide(ctx, req)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindValidation {
			r.fail(ctx, a, "invalid ride draft: "+apperr.Public(err))
			rep.Failed++
			return
		}
		log.Printf("[reconcile] %s: record ride: %v", a.PaymentIntentID, err)
		r.pending(ctx, a, rep)
		return
	}
	log.Printf("[reconcile] %s: recorded ride %d", a.PaymentIntentID, ride.RideID)
	rep.Recorded++
}

// pending leaves the attempt for a later sweep and moves it behind the
// attempts not yet checked.
func (r *Reconciler) pending(ctx context.Context, a booking.Attempt, rep *Report) {
	rep.Pending++
	if err := r.attempts.Touch(ctx, a.PaymentIntentID); err != nil {
		log.Printf("[reconcile] %s: touch: %v", a.PaymentIntentID, err)
	}
}

func (r *Reconciler) fail(ctx context.Context, a booking.Attempt, reason string) {
	log.Printf("[reconcile] %s: %s", a.PaymentIntentID, reason)
	err := r.attempts.MarkFailed(ctx, a.PaymentIntentID, reason)
	var terr *booking.TransitionError
	if err != nil && !errors.As(err, &terr) {
		log.Printf("[reconcile] %s: mark failed: %v", a.PaymentIntentID, err)
		return
	}
	r.publish(ctx, events.TopicPaymentFailed, a, booking.StateFailed)
}

func (r *Reconciler) publish(ctx context.Context, topic string, a booking.Attempt, state booking.State) {
	if r.bus == nil {
		return
	}
	ev := events.BookingEvent{
		Type:            topic,
		PaymentIntentID: a.PaymentIntentID,
		CustomerID:      a.CustomerID,
		UserID:          a.UserID,
		State:           string(state),
		Amount:          a.Amount,
		OccurredAt:      r.now().UTC().Format(time.RFC3339),
	}
	if err := r.bus.Publish(ctx, topic, a.PaymentIntentID, ev); err != nil {
		log.Printf("[reconcile] failed to publish %s: %v", topic, err)
	}
}

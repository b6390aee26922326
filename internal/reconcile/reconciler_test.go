package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ryde-service/internal/booking"
	"ryde-service/internal/events"
	"ryde-service/internal/payments"
	"ryde-service/internal/rides"
	"ryde-service/pkg/apperr"
)

type fakeAttempts struct {
	mu   sync.Mutex
	byID map[string]*booking.Attempt
}

func (f *fakeAttempts) ListStale(_ context.Context, state booking.State, olderThan time.Time, limit int) ([]booking.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []booking.Attempt
	for _, a := range f.byID {
		if a.State == state && a.UpdatedAt.Before(olderThan) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeAttempts) fire(id string, ev booking.Event, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return booking.ErrNotFound
	}
	next, err := booking.Next(a.State, ev)
	if err != nil {
		return err
	}
	a.State, a.LastError = next, reason
	return nil
}

func (f *fakeAttempts) MarkConfirmed(_ context.Context, id string) error {
	return f.fire(id, booking.EventPaymentConfirmed, "")
}

func (f *fakeAttempts) MarkFailed(_ context.Context, id, reason string) error {
	return f.fire(id, booking.EventFail, reason)
}

func (f *fakeAttempts) Touch(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[id].UpdatedAt = now
	return nil
}

func (f *fakeAttempts) state(id string) booking.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id].State
}

type fakeIntents map[string]string

func (f fakeIntents) GetPaymentIntent(_ context.Context, id string) (*payments.Intent, error) {
	status, ok := f[id]
	if !ok {
		return nil, errors.New("no such payment_intent")
	}
	return &payments.Intent{ID: id, Status: status}, nil
}

// fakeRecorder stands in for the rides service, including moving the
// attempt to ride_recorded.
type fakeRecorder struct {
	attempts *fakeAttempts
	reqs     []rides.CreateRequest
	err      error
}

func (f *fakeRecorder) CreateRide(_ context.Context, req rides.CreateRequest) (*rides.Ride, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	f.reqs = append(f.reqs, req)
	id := int64(len(f.reqs))
	if err := f.attempts.fire(req.PaymentIntentID, booking.EventRideRecorded, ""); err != nil {
		return nil, false, err
	}
	return &rides.Ride{RideID: id, PaymentIntentID: &req.PaymentIntentID}, true, nil
}

type fakeBus struct {
	mu     sync.Mutex
	topics []string
}

func (b *fakeBus) Publish(_ context.Context, topic, _ string, _ any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	return nil
}

func draft(t *testing.T) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"origin_address": "1 Market St", "destination_address": "Pier 39",
		"origin_latitude": 37.79, "origin_longitude": -122.39,
		"destination_latitude": 37.80, "destination_longitude": -122.41,
		"ride_time": 12, "fare_price": 2500, "payment_status": "paid",
		"driver_id": 1, "user_id": "user_jane",
	})
	require.NoError(t, err)
	return b
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newReconciler(attempts *fakeAttempts, intents fakeIntents, rec *fakeRecorder, bus *fakeBus) *Reconciler {
	r := New(attempts, intents, rec, bus, 5*time.Minute)
	r.now = func() time.Time { return now }
	return r
}

func TestSweepRecordsChargedButUnrecordedRide(t *testing.T) {
	attempts := &fakeAttempts{byID: map[string]*booking.Attempt{
		"pi_old":   {PaymentIntentID: "pi_old", State: booking.StatePaymentConfirmed, RideDraft: draft(t), UpdatedAt: now.Add(-10 * time.Minute)},
		"pi_fresh": {PaymentIntentID: "pi_fresh", State: booking.StatePaymentConfirmed, RideDraft: draft(t), UpdatedAt: now.Add(-time.Minute)},
	}}
	rec := &fakeRecorder{attempts: attempts}
	bus := &fakeBus{}
	r := newReconciler(attempts, fakeIntents{"pi_old": "succeeded", "pi_fresh": "succeeded"}, rec, bus)

	rep, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Checked: 1, Recorded: 1}, rep)

	require.Len(t, rec.reqs, 1)
	assert.Equal(t, "pi_old", rec.reqs[0].PaymentIntentID)
	require.NotNil(t, rec.reqs[0].FarePrice)
	assert.Equal(t, "2500", rec.reqs[0].FarePrice.String())
	assert.Equal(t, booking.StateRideRecorded, attempts.state("pi_old"))
	assert.Equal(t, booking.StatePaymentConfirmed, attempts.state("pi_fresh"))

	// a second pass has nothing left to do
	rep, err = r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Checked)
}

func TestSweepFinishesAbandonedButPaidIntent(t *testing.T) {
	attempts := &fakeAttempts{byID: map[string]*booking.Attempt{
		"pi_1": {PaymentIntentID: "pi_1", State: booking.StateIntentCreated, RideDraft: draft(t), UpdatedAt: now.Add(-time.Hour)},
	}}
	rec := &fakeRecorder{attempts: attempts}
	bus := &fakeBus{}
	r := newReconciler(attempts, fakeIntents{"pi_1": "succeeded"}, rec, bus)

	rep, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Recorded)
	assert.Equal(t, booking.StateRideRecorded, attempts.state("pi_1"))
	assert.Equal(t, []string{events.TopicPaymentConfirmed}, bus.topics)
}

func TestSweepFailsUnpaidAttempts(t *testing.T) {
	attempts := &fakeAttempts{byID: map[string]*booking.Attempt{
		"pi_declined": {PaymentIntentID: "pi_declined", State: booking.StatePaymentConfirmed, UpdatedAt: now.Add(-time.Hour)},
		"pi_canceled": {PaymentIntentID: "pi_canceled", State: booking.StateIntentCreated, UpdatedAt: now.Add(-time.Hour)},
		"pi_waiting":  {PaymentIntentID: "pi_waiting", State: booking.StateIntentCreated, CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour)},
	}}
	rec := &fakeRecorder{attempts: attempts}
	bus := &fakeBus{}
	r := newReconciler(attempts, fakeIntents{
		"pi_declined": "requires_payment_method",
		"pi_canceled": "canceled",
		"pi_waiting":  "requires_payment_method",
	}, rec, bus)

	rep, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Checked: 3, Failed: 2, Pending: 1}, rep)
	assert.Equal(t, booking.StateFailed, attempts.state("pi_declined"))
	assert.Equal(t, booking.StateFailed, attempts.state("pi_canceled"))
	assert.Equal(t, booking.StateIntentCreated, attempts.state("pi_waiting"))
	assert.Empty(t, rec.reqs)
	assert.Equal(t, []string{events.TopicPaymentFailed, events.TopicPaymentFailed}, bus.topics)
}

func TestSweepLeavesChargeWithoutDraftForOperators(t *testing.T) {
	attempts := &fakeAttempts{byID: map[string]*booking.Attempt{
		"pi_1": {PaymentIntentID: "pi_1", State: booking.StatePaymentConfirmed, UpdatedAt: now.Add(-time.Hour)},
	}}
	rec := &fakeRecorder{attempts: attempts}
	r := newReconciler(attempts, fakeIntents{"pi_1": "succeeded"}, rec, nil)

	rep, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Checked: 1, Pending: 1}, rep)
	assert.Equal(t, booking.StatePaymentConfirmed, attempts.state("pi_1"))
}

func TestSweepInvalidDraftFailsAttempt(t *testing.T) {
	attempts := &fakeAttempts{byID: map[string]*booking.Attempt{
		"pi_1": {PaymentIntentID: "pi_1", State: booking.StatePaymentConfirmed, RideDraft: draft(t), UpdatedAt: now.Add(-time.Hour)},
	}}
	rec := &fakeRecorder{attempts: attempts, err: apperr.Validation("unknown driver or user")}
	r := newReconciler(attempts, fakeIntents{"pi_1": "succeeded"}, rec, nil)

	rep, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, booking.StateFailed, attempts.state("pi_1"))
}

func TestSweepKeepsAttemptOnTransientErrors(t *testing.T) {
	attempts := &fakeAttempts{byID: map[string]*booking.Attempt{
		"pi_db":      {PaymentIntentID: "pi_db", State: booking.StatePaymentConfirmed, RideDraft: draft(t), UpdatedAt: now.Add(-time.Hour)},
		"pi_missing": {PaymentIntentID: "pi_missing", State: booking.StatePaymentConfirmed, UpdatedAt: now.Add(-time.Hour)},
	}}
	rec := &fakeRecorder{attempts: attempts, err: apperr.Upstream("insert ride", errors.New("connection reset"))}
	r := newReconciler(attempts, fakeIntents{"pi_db": "succeeded"}, rec, nil)

	rep, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Checked: 2, Pending: 2}, rep)
	assert.Equal(t, booking.StatePaymentConfirmed, attempts.state("pi_db"))
	assert.Equal(t, booking.StatePaymentConfirmed, attempts.state("pi_missing"))
}

func unpaidAttempts(n int, age time.Duration) (*fakeAttempts, fakeIntents) {
	attempts := &fakeAttempts{byID: map[string]*booking.Attempt{}}
	intents := fakeIntents{}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("pi_unpaid_%03d", i)
		at := now.Add(-age).Add(-time.Duration(i) * time.Second)
		attempts.byID[id] = &booking.Attempt{PaymentIntentID: id, State: booking.StateIntentCreated, CreatedAt: at, UpdatedAt: at}
		intents[id] = "requires_payment_method"
	}
	return attempts, intents
}

func TestSweepRotatesPastUnpaidBacklog(t *testing.T) {
	attempts, intents := unpaidAttempts(batchSize+10, 2*time.Hour)
	attempts.byID["pi_paid"] = &booking.Attempt{PaymentIntentID: "pi_paid", State: booking.StateIntentCreated,
		RideDraft: draft(t), CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour)}
	intents["pi_paid"] = "succeeded"
	rec := &fakeRecorder{attempts: attempts}
	r := newReconciler(attempts, intents, rec, &fakeBus{})

	rep, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Checked: batchSize, Pending: batchSize}, rep)
	assert.Equal(t, booking.StateIntentCreated, attempts.state("pi_paid"))

	rep, err = r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Checked: 11, Recorded: 1, Pending: 10}, rep)
	assert.Equal(t, booking.StateRideRecorded, attempts.state("pi_paid"))
	assert.Equal(t, booking.StateIntentCreated, attempts.state("pi_unpaid_000"))
}

func TestSweepFailsAbandonedIntents(t *testing.T) {
	attempts, intents := unpaidAttempts(batchSize, 48*time.Hour)
	attempts.byID["pi_paid"] = &booking.Attempt{PaymentIntentID: "pi_paid", State: booking.StateIntentCreated,
		RideDraft: draft(t), CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour)}
	intents["pi_paid"] = "succeeded"
	rec := &fakeRecorder{attempts: attempts}
	r := newReconciler(attempts, intents, rec, &fakeBus{})

	rep, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Checked: batchSize, Failed: batchSize}, rep)
	assert.Equal(t, booking.StateFailed, attempts.state("pi_unpaid_007"))

	rep, err = r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Checked: 1, Recorded: 1}, rep)
	assert.Equal(t, booking.StateRideRecorded, attempts.state("pi_paid"))
	require.Len(t, rec.reqs, 1)
	assert.Equal(t, "pi_paid", rec.reqs[0].PaymentIntentID)
}

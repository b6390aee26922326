package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"ryde-service/pkg/apperr"
	"ryde-service/pkg/db"
)

// ErrNotFound is returned when no attempt exists for a payment intent.
var ErrNotFound = apperr.NotFound("booking not found")

const attemptColumns = `id, COALESCE(request_id, ''), payment_intent_id, customer_id,
	COALESCE(user_id, ''), amount, state, ride_draft, ride_id, last_error, created_at, updated_at`

// Store persists booking attempts.
type Store struct {
	db db.Querier
}

// NewStore returns a Store over q (a pool or a transaction).
func NewStore(q db.Querier) *Store { return &Store{db: q} }

// Create records a new attempt in intent_created. Re-creating an attempt for
// a payment intent that is already known is a no-op.
func (s *Store) Create(ctx context.Context, a *Attempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.State == "" {
		a.State = StateIntentCreated
	}
	var draft []byte
	if len(a.RideDraft) > 0 {
		draft = a.RideDraft
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO booking_attempts
		   (id, request_id, payment_intent_id, customer_id, user_id, amount, state, ride_draft)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT DO NOTHING`,
		a.ID, nullable(a.RequestID), a.PaymentIntentID, a.CustomerID, nullable(a.UserID),
		a.Amount, string(a.State), draft)
	if err != nil {
		return fmt.Errorf("insert booking attempt: %w", err)
	}
	return nil
}

// Get returns the attempt for a payment intent.
func (s *Store) Get(ctx context.Context, paymentIntentID string) (*Attempt, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM booking_attempts WHERE payment_intent_id = $1`,
		paymentIntentID)
	a, err := scanAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get booking attempt: %w", err)
	}
	return a, nil
}

// MarkConfirmed moves an attempt to payment_confirmed.
func (s *Store) MarkConfirmed(ctx context.Context, paymentIntentID string) error {
	return s.transition(ctx, paymentIntentID, EventPaymentConfirmed, "", nil)
}

// MarkFailed moves an attempt to failed and keeps reason for review.
func (s *Store) MarkFailed(ctx context.Context, paymentIntentID, reason string) error {
	return s.transition(ctx, paymentIntentID, EventFail, reason, nil)
}

// MarkRecorded moves an attempt to ride_recorded and links the ride.
func (s *Store) MarkRecorded(ctx context.Context, paymentIntentID string, rideID int64) error {
	return s.transition(ctx, paymentIntentID, EventRideRecorded, "", &rideID)
}

// transition applies ev in a single guarded UPDATE. Replaying a transition
// that already happened succeeds without touching the row.
func (s *Store) transition(ctx context.Context, paymentIntentID string, ev Event, lastError string, rideID *int64) error {
	target, from := targetOf(ev)
	tag, err := s.db.Exec(ctx,
		`UPDATE booking_attempts
		    SET state = $2, last_error = $3, ride_id = COALESCE($4, ride_id), updated_at = NOW()
		  WHERE payment_intent_id = $1 AND state = ANY($5)`,
		paymentIntentID, string(target), lastError, rideID, from)
	if err != nil {
		return fmt.Errorf("update booking attempt: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	cur, err := s.Get(ctx, paymentIntentID)
	if err != nil {
		return err
	}
	if cur.State == target {
		return nil
	}
	return &TransitionError{From: cur.State, Event: ev}
}

// Touch bumps updated_at without changing state, so an attempt that was
// checked and left as is moves to the back of ListStale.
func (s *Store) Touch(ctx context.Context, paymentIntentID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE booking_attempts SET updated_at = NOW() WHERE payment_intent_id = $1`,
		paymentIntentID)
	if err != nil {
		return fmt.Errorf("touch booking attempt: %w", err)
	}
	return nil
}

// ListStale returns attempts that have sat in state since before olderThan,
// oldest first.
func (s *Store) ListStale(ctx context.Context, state State, olderThan time.Time, limit int) ([]Attempt, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+attemptColumns+` FROM booking_attempts
		  WHERE state = $1 AND updated_at < $2
		  ORDER BY updated_at ASC
		  LIMIT $3`,
		string(state), olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale attempts: %w", err)
	}
	defer rows.Close()

	out := []Attempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// targetOf returns the state ev leads to and every state it may be applied in.
func targetOf(ev Event) (State, []string) {
	var target State
	var from []string
	for _, s := range []State{StateIdle, StateIntentCreated, StatePaymentConfirmed, StateRideRecorded, StateFailed} {
		if next, err := Next(s, ev); err == nil {
			target = next
			from = append(from, string(s))
		}
	}
	return target, from
}

func scanAttempt(row pgx.Row) (*Attempt, error) {
	var (
		a     Attempt
		state string
		draft []byte
	)
	err := row.Scan(&a.ID, &a.RequestID, &a.PaymentIntentID, &a.CustomerID,
		&a.UserID, &a.Amount, &state, &draft, &a.RideID, &a.LastError, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.State = State(state)
	if len(draft) > 0 {
		a.RideDraft = draft
	}
	return &a, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"ryde-service/pkg/db"
)

// CustomerStore maps local users to processor customers, one each.
type CustomerStore struct {
	db db.Querier
}

// NewCustomerStore returns a store over q.
func NewCustomerStore(q db.Querier) *CustomerStore { return &CustomerStore{db: q} }

// Get returns the customer id recorded for userID.
func (s *CustomerStore) Get(ctx context.Context, userID string) (string, bool, error) {
	var id string
	err := s.db.QueryRow(ctx,
		`SELECT customer_id FROM payment_customers WHERE user_id = $1`, userID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get payment customer: %w", err)
	}
	return id, true, nil
}

// Save records customerID for userID. If a mapping already exists it is
// kept and returned, so concurrent first checkouts converge on one customer.
func (s *CustomerStore) Save(ctx context.Context, userID, customerID, email string) (string, error) {
	var id string
	err := s.db.QueryRow(ctx,
		`INSERT INTO payment_customers (user_id, customer_id, email)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		 RETURNING customer_id`,
		userID, customerID, email).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("save payment customer: %w", err)
	}
	return id, nil
}

package users

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"ryde-service/internal/auth"
	"ryde-service/pkg/apperr"
	"ryde-service/pkg/db"
	"ryde-service/pkg/jwt"
	"ryde-service/pkg/validation"
)

var errNotRegistered = apperr.NotFound("user not registered")

// Service contains user business logic.
type Service struct {
	db       db.Querier
	verifier auth.SessionVerifier
}

// NewService creates a user service. With a nil verifier registration trusts
// the clerkId in the body, which is only suitable for local development.
func NewService(q db.Querier, verifier auth.SessionVerifier) *Service {
	return &Service{db: q, verifier: verifier}
}

// Register records the user for a verified identity and issues a session
// token. Registering the same identity again updates name and email.
func (s *Service) Register(ctx context.Context, req RegisterRequest, sessionToken string) (*AuthResponse, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	req.ClerkID = strings.TrimSpace(req.ClerkID)
	if req.Name == "" || req.Email == "" || req.ClerkID == "" {
		return nil, apperr.ErrMissingFields
	}
	if !validation.ValidateName(req.Name) {
		return nil, apperr.Validation("invalid name")
	}
	if !validation.ValidateEmail(req.Email) {
		return nil, apperr.Validation("invalid email")
	}

	if s.verifier != nil {
		id, err := s.verify(ctx, sessionToken)
		if err != nil {
			return nil, err
		}
		if id.UserID != req.ClerkID {
			return nil, apperr.Forbidden("session does not match clerkId")
		}
	}

	var u User
	err := s.db.QueryRow(ctx,
		`INSERT INTO users (name, email, clerk_id) VALUES ($1, $2, $3)
		 ON CONFLICT (clerk_id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email
		 RETURNING id, name, email, clerk_id, created_at`,
		req.Name, req.Email, req.ClerkID).Scan(&u.ID, &u.Name, &u.Email, &u.ClerkID, &u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, apperr.Conflict("email already registered")
		}
		return nil, apperr.Upstream("insert user", err)
	}
	log.Printf("[users] registered %s", u.ClerkID)
	return s.issue(&u)
}

// Session exchanges an identity provider session token for a local one.
// This is the sign-in and OAuth path for users registered earlier.
func (s *Service) Session(ctx context.Context, sessionToken string) (*AuthResponse, error) {
	if s.verifier == nil {
		return nil, apperr.Unauthorized("identity provider not configured")
	}
	id, err := s.verify(ctx, sessionToken)
	if err != nil {
		return nil, err
	}
	u, err := s.GetByClerkID(ctx, id.UserID)
	if err != nil {
		return nil, err
	}
	return s.issue(u)
}

// GetByClerkID fetches a user by identity provider id.
func (s *Service) GetByClerkID(ctx context.Context, clerkID string) (*User, error) {
	var u User
	err := s.db.QueryRow(ctx,
		`SELECT id, name, email, clerk_id, created_at FROM users WHERE clerk_id = $1`, clerkID).
		Scan(&u.ID, &u.Name, &u.Email, &u.ClerkID, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errNotRegistered
	}
	if err != nil {
		return nil, apperr.Upstream("get user", err)
	}
	return &u, nil
}

func (s *Service) verify(ctx context.Context, token string) (*auth.Identity, error) {
	if token == "" {
		return nil, apperr.Unauthorized("missing session token")
	}
	id, err := s.verifier.VerifySession(ctx, token)
	if err != nil {
		log.Printf("[users] session verification failed: %v", err)
		return nil, apperr.Unauthorized("invalid session")
	}
	return id, nil
}

func (s *Service) issue(u *User) (*AuthResponse, error) {
	token, err := jwt.Generate(u.ClerkID, u.Email, u.Name)
	if err != nil {
		return nil, apperr.Upstream("issue session", err)
	}
	return &AuthResponse{Token: token, User: u}, nil
}

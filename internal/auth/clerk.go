package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/clerk/clerk-sdk-go/v2"
	clerkjwt "github.com/clerk/clerk-sdk-go/v2/jwt"
	clerkuser "github.com/clerk/clerk-sdk-go/v2/user"
)

// Identity is a user as the identity provider knows them.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// SessionVerifier turns an identity provider session token into an Identity.
type SessionVerifier interface {
	VerifySession(ctx context.Context, token string) (*Identity, error)
}

// ClerkVerifier verifies Clerk session tokens and loads the user behind them.
type ClerkVerifier struct{}

// NewClerkVerifier configures the Clerk SDK with secretKey.
func NewClerkVerifier(secretKey string) *ClerkVerifier {
	clerk.SetKey(secretKey)
	return &ClerkVerifier{}
}

func (v *ClerkVerifier) VerifySession(ctx context.Context, token string) (*Identity, error) {
	claims, err := clerkjwt.Verify(ctx, &clerkjwt.VerifyParams{Token: token})
	if err != nil {
		return nil, fmt.Errorf("verify session: %w", err)
	}
	u, err := clerkuser.Get(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", claims.Subject, err)
	}
	return identityFromUser(u), nil
}

func identityFromUser(u *clerk.User) *Identity {
	id := &Identity{UserID: u.ID}

	var parts []string
	if u.FirstName != nil && *u.FirstName != "" {
		parts = append(parts, *u.FirstName)
	}
	if u.LastName != nil && *u.LastName != "" {
		parts = append(parts, *u.LastName)
	}
	id.Name = strings.Join(parts, " ")

	for _, e := range u.EmailAddresses {
		if e == nil {
			continue
		}
		if id.Email == "" {
			id.Email = e.EmailAddress
		}
		if u.PrimaryEmailAddressID != nil && e.ID == *u.PrimaryEmailAddressID {
			id.Email = e.EmailAddress
			break
		}
	}
	return id
}

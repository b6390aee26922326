package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"ryde-service/pkg/validation"
)

// Attempt statuses reported by the identity provider.
const (
	StatusComplete = "complete"
)

// Completion is the identity provider's answer to a code attempt.
type Completion struct {
	Status    string
	UserID    string
	SessionID string
}

// IdentityProvider is the hosted account service as the sign-up flow uses it.
type IdentityProvider interface {
	CreateAccount(ctx context.Context, email, password string) error
	PrepareEmailCode(ctx context.Context) error
	AttemptEmailCode(ctx context.Context, code string) (*Completion, error)
}

// Registrar creates the local user record for a verified identity.
type Registrar interface {
	RegisterUser(ctx context.Context, name, email, userID string) error
}

// SessionActivator makes a verified session current on the device.
type SessionActivator interface {
	Activate(ctx context.Context, sessionID string) error
}

// Form is what the user types on the sign-up screen.
type Form struct {
	Name     string
	Email    string
	Password string
}

// SignUpFlow drives account creation, email verification and local
// registration in order. It is safe for one user at a time.
type SignUpFlow struct {
	idp      IdentityProvider
	registry Registrar
	sessions SessionActivator

	mu           sync.Mutex
	form         Form
	verification Verification
	completion   *Completion
}

// NewSignUpFlow returns a flow in the default state.
func NewSignUpFlow(idp IdentityProvider, registry Registrar, sessions SessionActivator) *SignUpFlow {
	return &SignUpFlow{
		idp:          idp,
		registry:     registry,
		sessions:     sessions,
		verification: Verification{State: VerificationDefault},
	}
}

// Verification returns the current verification state.
func (f *SignUpFlow) Verification() Verification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verification
}

// Start creates the account and sends the email code. The flow moves to
// pending only when both succeed.
func (f *SignUpFlow) Start(ctx context.Context, form Form) error {
	form.Name = strings.TrimSpace(form.Name)
	form.Email = strings.TrimSpace(form.Email)
	if form.Name == "" || form.Email == "" || form.Password == "" {
		return errors.New("name, email and password are required")
	}
	if !validation.ValidateEmail(form.Email) {
		return errors.New("invalid email")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.verification.State != VerificationDefault {
		return fmt.Errorf("sign-up already started (%s)", f.verification.State)
	}

	if err := f.idp.CreateAccount(ctx, form.Email, form.Password); err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	if err := f.idp.PrepareEmailCode(ctx); err != nil {
		return fmt.Errorf("send verification code: %w", err)
	}
	f.form = form
	return f.verification.fire(EventCodeSent, "")
}

// Verify submits code. A rejected code leaves the flow failed with the
// provider's message; calling Verify again retries. On success the local user
// is registered and the session activated.
func (f *SignUpFlow) Verify(ctx context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.verification.State == VerificationFailed {
		if err := f.verification.fire(EventRetry, ""); err != nil {
			return err
		}
	}
	if f.verification.State != VerificationPending {
		return fmt.Errorf("cannot verify in state %s", f.verification.State)
	}

	// the provider already accepted a code; only local registration is left
	if f.completion == nil {
		c, err := f.idp.AttemptEmailCode(ctx, strings.TrimSpace(code))
		if err != nil {
			return f.reject(err.Error())
		}
		if c.Status != StatusComplete {
			return f.reject("Verification failed")
		}
		f.completion = c
	}

	if err := f.registry.RegisterUser(ctx, f.form.Name, f.form.Email, f.completion.UserID); err != nil {
		return f.reject(err.Error())
	}
	if err := f.sessions.Activate(ctx, f.completion.SessionID); err != nil {
		return f.reject(err.Error())
	}
	return f.verification.fire(EventCodeAccepted, "")
}

func (f *SignUpFlow) reject(msg string) error {
	if err := f.verification.fire(EventCodeRejected, msg); err != nil {
		return err
	}
	return errors.New(msg)
}

package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// Processor is the payment processor as the service sees it.
type Processor interface {
	FindCustomerByEmail(ctx context.Context, email string) (id string, found bool, err error)
	CreateCustomer(ctx context.Context, p CustomerParams) (string, error)
	CreateEphemeralKey(ctx context.Context, customerID string) (*EphemeralKey, error)
	CreatePaymentIntent(ctx context.Context, p IntentParams) (*Intent, error)
	AttachPaymentMethod(ctx context.Context, paymentMethodID, customerID, idempotencyKey string) error
	ConfirmPaymentIntent(ctx context.Context, paymentIntentID, paymentMethodID, idempotencyKey string) (*Intent, error)
	GetPaymentIntent(ctx context.Context, paymentIntentID string) (*Intent, error)
}

// StripeProcessor implements Processor on the Stripe API.
type StripeProcessor struct {
	api              *client.API
	ephemeralVersion string
}

// NewStripeProcessor returns a processor using secretKey. ephemeralVersion is
// the API version the mobile SDK expects its ephemeral keys in.
func NewStripeProcessor(secretKey, ephemeralVersion string) *StripeProcessor {
	return &StripeProcessor{api: client.New(secretKey, nil), ephemeralVersion: ephemeralVersion}
}

func (p *StripeProcessor) FindCustomerByEmail(ctx context.Context, email string) (string, bool, error) {
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Context = ctx
	params.Limit = stripe.Int64(1)

	it := p.api.Customers.List(params)
	if it.Next() {
		return it.Customer().ID, true, nil
	}
	if err := it.Err(); err != nil {
		return "", false, fmt.Errorf("list customers: %w", err)
	}
	return "", false, nil
}

func (p *StripeProcessor) CreateCustomer(ctx context.Context, in CustomerParams) (string, error) {
	params := &stripe.CustomerParams{
		Name:  stripe.String(in.Name),
		Email: stripe.String(in.Email),
	}
	params.Context = ctx
	if in.UserID != "" {
		params.AddMetadata("user_id", in.UserID)
	}
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}
	c, err := p.api.Customers.New(params)
	if err != nil {
		return "", fmt.Errorf("create customer: %w", err)
	}
	return c.ID, nil
}

func (p *StripeProcessor) CreateEphemeralKey(ctx context.Context, customerID string) (*EphemeralKey, error) {
	params := &stripe.EphemeralKeyParams{
		Customer:      stripe.String(customerID),
		StripeVersion: stripe.String(p.ephemeralVersion),
	}
	params.Context = ctx
	k, err := p.api.EphemeralKeys.New(params)
	if err != nil {
		return nil, fmt.Errorf("create ephemeral key: %w", err)
	}
	return &EphemeralKey{ID: k.ID, Secret: k.Secret, Expires: k.Expires}, nil
}

func (p *StripeProcessor) CreatePaymentIntent(ctx context.Context, in IntentParams) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(in.Amount),
		Currency: stripe.String(in.Currency),
		Customer: stripe.String(in.CustomerID),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String(string(stripe.PaymentIntentAutomaticPaymentMethodsAllowRedirectsNever)),
		},
	}
	params.Context = ctx
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}
	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	return toIntent(pi), nil
}

func (p *StripeProcessor) AttachPaymentMethod(ctx context.Context, paymentMethodID, customerID, idempotencyKey string) error {
	params := &stripe.PaymentMethodAttachParams{Customer: stripe.String(customerID)}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	if _, err := p.api.PaymentMethods.Attach(paymentMethodID, params); err != nil {
		return fmt.Errorf("attach payment method: %w", err)
	}
	return nil
}

func (p *StripeProcessor) ConfirmPaymentIntent(ctx context.Context, paymentIntentID, paymentMethodID, idempotencyKey string) (*Intent, error) {
	params := &stripe.PaymentIntentConfirmParams{PaymentMethod: stripe.String(paymentMethodID)}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	pi, err := p.api.PaymentIntents.Confirm(paymentIntentID, params)
	if err != nil {
		return nil, fmt.Errorf("confirm payment intent: %w", err)
	}
	return toIntent(pi), nil
}

func (p *StripeProcessor) GetPaymentIntent(ctx context.Context, paymentIntentID string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := p.api.PaymentIntents.Get(paymentIntentID, params)
	if err != nil {
		return nil, fmt.Errorf("get payment intent: %w", err)
	}
	return toIntent(pi), nil
}

func toIntent(pi *stripe.PaymentIntent) *Intent {
	in := &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Status:       string(pi.Status),
	}
	if pi.Customer != nil {
		in.Customer = pi.Customer.ID
	}
	return in
}

// DeclineReason extracts the processor's decline detail for logging. It
// returns "" for errors that did not come from the processor.
func DeclineReason(err error) string {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return ""
	}
	switch {
	case se.DeclineCode != "":
		return fmt.Sprintf("%s (%s): %s", se.Code, se.DeclineCode, se.Msg)
	case se.Code != "":
		return fmt.Sprintf("%s: %s", se.Code, se.Msg)
	default:
		return se.Msg
	}
}

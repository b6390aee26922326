package payments

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/stripe/stripe-go/v76"

	"ryde-service/internal/booking"
)

type fakeProcessor struct {
	mu sync.Mutex

	byEmail      map[string]string
	customerIdem map[string]string
	intents      map[string]*Intent
	intentIdem   map[string]*Intent
	attached     map[string]string

	customersCreated int
	intentsCreated   int
	calls            []string
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		byEmail:      map[string]string{},
		customerIdem: map[string]string{},
		intents:      map[string]*Intent{},
		intentIdem:   map[string]*Intent{},
		attached:     map[string]string{},
	}
}

func (f *fakeProcessor) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeProcessor) FindCustomerByEmail(_ context.Context, email string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("find_customer")
	id, ok := f.byEmail[strings.ToLower(email)]
	return id, ok, nil
}

func (f *fakeProcessor) CreateCustomer(_ context.Context, p CustomerParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create_customer")
	if id, ok := f.customerIdem[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		return id, nil
	}
	f.customersCreated++
	id := fmt.Sprintf("cus_%d", f.customersCreated)
	if p.IdempotencyKey != "" {
		f.customerIdem[p.IdempotencyKey] = id
	}
	if _, ok := f.byEmail[strings.ToLower(p.Email)]; !ok {
		f.byEmail[strings.ToLower(p.Email)] = id
	}
	return id, nil
}

func (f *fakeProcessor) CreateEphemeralKey(_ context.Context, customerID string) (*EphemeralKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create_ephemeral_key")
	return &EphemeralKey{ID: "ephkey_" + customerID, Secret: "ek_test_" + customerID, Expires: 1}, nil
}

func (f *fakeProcessor) CreatePaymentIntent(_ context.Context, p IntentParams) (*Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create_payment_intent")
	if in, ok := f.intentIdem[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		return in, nil
	}
	f.intentsCreated++
	id := fmt.Sprintf("pi_%d", f.intentsCreated)
	in := &Intent{
		ID:           id,
		ClientSecret: id + "_secret_x",
		Amount:       p.Amount,
		Currency:     p.Currency,
		Status:       "requires_payment_method",
		Customer:     p.CustomerID,
	}
	f.intents[id] = in
	if p.IdempotencyKey != "" {
		f.intentIdem[p.IdempotencyKey] = in
	}
	return in, nil
}

func (f *fakeProcessor) AttachPaymentMethod(_ context.Context, methodID, customerID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("attach_payment_method")
	f.attached[methodID] = customerID
	return nil
}

func (f *fakeProcessor) ConfirmPaymentIntent(_ context.Context, intentID, methodID, _ string) (*Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("confirm_payment_intent")
	in, ok := f.intents[intentID]
	if !ok {
		return nil, fmt.Errorf("confirm payment intent: %w", &stripe.Error{
			Code:           stripe.ErrorCodeResourceMissing,
			Msg:            "No such payment_intent: '" + intentID + "'",
			HTTPStatusCode: 404,
		})
	}
	if methodID == "pm_card_chargeDeclined" {
		return nil, fmt.Errorf("confirm payment intent: %w", &stripe.Error{
			Code:        stripe.ErrorCodeCardDeclined,
			DeclineCode: "generic_decline",
			Msg:         "Your card was declined.",
		})
	}
	in.Status = "succeeded"
	cp := *in
	return &cp, nil
}

func (f *fakeProcessor) GetPaymentIntent(_ context.Context, intentID string) (*Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.intents[intentID]
	if !ok {
		return nil, fmt.Errorf("no such payment intent %s", intentID)
	}
	cp := *in
	return &cp, nil
}

type fakeAttempts struct {
	mu      sync.Mutex
	created map[string]*booking.Attempt
	states  map[string]booking.State
	reasons map[string]string
}

func newFakeAttempts() *fakeAttempts {
	return &fakeAttempts{
		created: map[string]*booking.Attempt{},
		states:  map[string]booking.State{},
		reasons: map[string]string{},
	}
}

func (f *fakeAttempts) Create(_ context.Context, a *booking.Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.created[a.PaymentIntentID]; ok {
		return nil
	}
	f.created[a.PaymentIntentID] = a
	f.states[a.PaymentIntentID] = booking.StateIntentCreated
	return nil
}

func (f *fakeAttempts) move(id string, ev booking.Event) error {
	cur, ok := f.states[id]
	if !ok {
		return booking.ErrNotFound
	}
	next, err := booking.Next(cur, ev)
	if err != nil {
		return err
	}
	f.states[id] = next
	return nil
}

func (f *fakeAttempts) MarkConfirmed(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.move(id, booking.EventPaymentConfirmed)
}

func (f *fakeAttempts) MarkFailed(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons[id] = reason
	return f.move(id, booking.EventFail)
}

type published struct {
	topic string
	key   string
	value any
}

type fakeBus struct {
	mu   sync.Mutex
	msgs []published
}

func (b *fakeBus) Publish(_ context.Context, topic, key string, value any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, published{topic: topic, key: key, value: value})
	return nil
}

func (b *fakeBus) topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.msgs))
	for i, m := range b.msgs {
		out[i] = m.topic
	}
	return out
}

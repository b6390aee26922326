package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"ryde-service/internal/payments"
	"ryde-service/internal/rides"
	"ryde-service/internal/users"
)

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// Temporary reports whether repeating the request could succeed.
func (e *APIError) Temporary() bool {
	return e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
}

// RideDraft is a ride as the app fills it in before paying.
type RideDraft struct {
	OriginAddress        string  `json:"origin_address"`
	DestinationAddress   string  `json:"destination_address"`
	OriginLatitude       float64 `json:"origin_latitude"`
	OriginLongitude      float64 `json:"origin_longitude"`
	DestinationLatitude  float64 `json:"destination_latitude"`
	DestinationLongitude float64 `json:"destination_longitude"`
	RideTime             int64   `json:"ride_time"`
	FarePrice            int64   `json:"fare_price"`
	PaymentStatus        string  `json:"payment_status"`
	DriverID             int64   `json:"driver_id"`
	UserID               string  `json:"user_id"`
	PaymentIntentID      string  `json:"payment_intent_id,omitempty"`
}

// Client talks to the ride service API.
type Client struct {
	baseURL string
	hc      *http.Client

	rideAttempts int
	retryDelay   time.Duration

	mu           sync.RWMutex
	token        string
	sessionToken string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default 15s-timeout http.Client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.hc = hc } }

// WithToken sets the local session token sent as a bearer token.
func WithToken(token string) Option { return func(c *Client) { c.token = token } }

// WithSessionToken sets the identity provider session token used to
// register or sign in.
func WithSessionToken(token string) Option { return func(c *Client) { c.sessionToken = token } }

// WithRideRetries sets how many times recording a ride is tried and the
// delay before the first retry; the delay doubles after each attempt.
func WithRideRetries(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.rideAttempts = attempts
		}
		c.retryDelay = delay
	}
}

// New returns a client for the API at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		hc:           &http.Client{Timeout: 15 * time.Second},
		rideAttempts: 3,
		retryDelay:   500 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Token returns the current local session token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetSessionToken swaps the identity provider session token, e.g. after the
// user signs in again.
func (c *Client) SetSessionToken(token string) {
	c.mu.Lock()
	c.sessionToken = token
	c.mu.Unlock()
}

// CreatePayment calls POST /payments/create.
func (c *Client) CreatePayment(ctx context.Context, req payments.CreateRequest) (*payments.CreateResponse, error) {
	var out payments.CreateResponse
	if err := c.do(ctx, http.MethodPost, "/payments/create", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConfirmPayment calls POST /payments/confirm.
func (c *Client) ConfirmPayment(ctx context.Context, req payments.ConfirmRequest) (*payments.ConfirmResponse, error) {
	var out payments.ConfirmResponse
	if err := c.do(ctx, http.MethodPost, "/payments/confirm", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateRide calls POST /rides.
func (c *Client) CreateRide(ctx context.Context, draft RideDraft) (*rides.Ride, error) {
	var out struct {
		Data *rides.Ride `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/rides", draft, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// History calls GET /rides/history/{user_id}.
func (c *Client) History(ctx context.Context, userID string) ([]rides.Ride, error) {
	var out struct {
		Data []rides.Ride `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/rides/history/"+url.PathEscape(userID), nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// RegisterUser calls POST /users and keeps the returned session token. It
// lets a Client serve as the sign-up flow's registrar.
func (c *Client) RegisterUser(ctx context.Context, name, email, userID string) error {
	var out struct {
		Data users.AuthResponse `json:"data"`
	}
	body := users.RegisterRequest{Name: name, Email: email, ClerkID: userID}
	if err := c.do(ctx, http.MethodPost, "/users", body, &out); err != nil {
		return err
	}
	c.setToken(out.Data.Token)
	return nil
}

// Session exchanges the identity provider session for a local one.
func (c *Client) Session(ctx context.Context) (*users.AuthResponse, error) {
	var out struct {
		Data users.AuthResponse `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/users/session", nil, &out); err != nil {
		return nil, err
	}
	c.setToken(out.Data.Token)
	return &out.Data, nil
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.sessionToken != "" {
		req.Header.Set(users.SessionHeader, c.sessionToken)
	}
	c.mu.RUnlock()

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

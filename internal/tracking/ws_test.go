package tracking

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ryde-service/internal/booking"
	"ryde-service/internal/events"
	"ryde-service/pkg/jwt"
)

type fakeAttempts map[string]*booking.Attempt

func (f fakeAttempts) Get(_ context.Context, id string) (*booking.Attempt, error) {
	if a, ok := f[id]; ok {
		return a, nil
	}
	return nil, booking.ErrNotFound
}

type fakeSubscriber struct {
	mu       sync.Mutex
	handlers map[string]func([]byte) error
}

func (s *fakeSubscriber) Subscribe(_ context.Context, topic, _ string, handler func([]byte) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[topic] = handler
}

func dial(t *testing.T, srv *httptest.Server, intentID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/bookings/" + intentID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) events.BookingEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev events.BookingEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestSnapshotThenEvents(t *testing.T) {
	hub := NewHub(fakeAttempts{
		"pi_1": {PaymentIntentID: "pi_1", State: booking.StateIntentCreated, Amount: 2500, UpdatedAt: time.Now()},
	})
	r := chi.NewRouter()
	r.Mount("/ws", hub.Routes())
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dial(t, srv, "pi_1")
	snap := readEvent(t, conn)
	assert.Equal(t, "snapshot", snap.Type)
	assert.Equal(t, string(booking.StateIntentCreated), snap.State)
	assert.Equal(t, int64(2500), snap.Amount)

	sub := &fakeSubscriber{handlers: map[string]func([]byte) error{}}
	hub.Consume(context.Background(), sub, "tracking")
	require.Len(t, sub.handlers, len(events.Topics))

	// events for other bookings are not delivered
	other, _ := json.Marshal(events.BookingEvent{Type: events.TopicPaymentConfirmed, PaymentIntentID: "pi_2"})
	require.NoError(t, sub.handlers[events.TopicPaymentConfirmed](other))

	mine, _ := json.Marshal(events.BookingEvent{
		Type: events.TopicRideRecorded, PaymentIntentID: "pi_1",
		State: string(booking.StateRideRecorded), RideID: 42,
	})
	require.NoError(t, sub.handlers[events.TopicRideRecorded](mine))

	ev := readEvent(t, conn)
	assert.Equal(t, events.TopicRideRecorded, ev.Type)
	assert.Equal(t, int64(42), ev.RideID)
}

func TestUnknownBookingGetsLiveEventsOnly(t *testing.T) {
	hub := NewHub(fakeAttempts{})
	r := chi.NewRouter()
	r.Mount("/ws", hub.Routes())
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dial(t, srv, "pi_new")
	require.Eventually(t, func() bool { return hub.Watchers("pi_new") == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast(events.BookingEvent{Type: events.TopicPaymentFailed, PaymentIntentID: "pi_new", State: "failed"})
	ev := readEvent(t, conn)
	assert.Equal(t, "failed", ev.State)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Watchers("pi_new") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	hub := NewHub(nil)
	assert.NoError(t, hub.handleMessage([]byte("{not json")))
	assert.NoError(t, hub.handleMessage([]byte(`{"type":"x"}`)))
}

func authedServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	require.NoError(t, jwt.Init("test-secret"))
	r := chi.NewRouter()
	r.Use(jwt.OptionalAuth)
	r.Mount("/ws", hub.Routes())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func bearer(t *testing.T, userID string) http.Header {
	t.Helper()
	tok, err := jwt.Generate(userID, userID+"@x.com", "")
	require.NoError(t, err)
	return http.Header{"Authorization": {"Bearer " + tok}}
}

func TestOtherUserCannotWatchBooking(t *testing.T) {
	hub := NewHub(fakeAttempts{
		"pi_1": {PaymentIntentID: "pi_1", CustomerID: "cus_1", UserID: "user_owner", State: booking.StateIntentCreated},
	})
	srv := authedServer(t, hub)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/bookings/pi_1"

	_, resp, err := websocket.DefaultDialer.Dial(url, bearer(t, "user_other"))
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, hub.Watchers("pi_1"))

	conn, _, err := websocket.DefaultDialer.Dial(url, bearer(t, "user_owner"))
	require.NoError(t, err)
	defer conn.Close()
	snap := readEvent(t, conn)
	assert.Equal(t, "user_owner", snap.UserID)
}

func TestBroadcastSkipsOtherUsersWatcher(t *testing.T) {
	hub := NewHub(fakeAttempts{})
	srv := authedServer(t, hub)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/bookings/pi_new"

	conn, _, err := websocket.DefaultDialer.Dial(url, bearer(t, "user_other"))
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Watchers("pi_new") == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast(events.BookingEvent{Type: events.TopicIntentCreated, PaymentIntentID: "pi_new", UserID: "user_owner"})
	hub.Broadcast(events.BookingEvent{Type: events.TopicPaymentFailed, PaymentIntentID: "pi_new", State: "failed"})

	ev := readEvent(t, conn)
	assert.Equal(t, events.TopicPaymentFailed, ev.Type)
	assert.Empty(t, ev.UserID)
}

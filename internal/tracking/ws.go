package tracking

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"ryde-service/internal/booking"
	"ryde-service/internal/events"
	"ryde-service/pkg/jwt"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// safeConn wraps a websocket.Conn with a write mutex.
// gorilla/websocket allows one concurrent writer; this enforces that.
type safeConn struct {
	mu     sync.Mutex
	ws     *websocket.Conn
	userID string
}

func (c *safeConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteJSON(v)
}

func (c *safeConn) readMessage() (int, []byte, error) {
	return c.ws.ReadMessage()
}

func (c *safeConn) close() { c.ws.Close() }

// Attempts looks up the current state of a booking. *booking.Store
// implements it.
type Attempts interface {
	Get(ctx context.Context, paymentIntentID string) (*booking.Attempt, error)
}

// Hub fans booking events out to the WebSocket clients watching each
// payment intent.
type Hub struct {
	attempts Attempts

	mu    sync.RWMutex
	conns map[string][]*safeConn
}

// NewHub creates a tracking hub. attempts may be nil, in which case new
// subscribers only see events published after they connect.
func NewHub(attempts Attempts) *Hub {
	return &Hub{attempts: attempts, conns: make(map[string][]*safeConn)}
}

// Routes returns a chi.Router for the /ws mount point.
func (h *Hub) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/bookings/{payment_intent_id}", h.HandleWS)
	return r
}

// HandleWS upgrades the connection, sends the booking's current state and
// then every change until the client goes away. A signed-in caller may only
// watch their own bookings.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	intentID := chi.URLParam(r, "payment_intent_id")
	claims := jwt.GetClaims(r.Context())

	var a *booking.Attempt
	if h.attempts != nil {
		if got, err := h.attempts.Get(r.Context(), intentID); err == nil {
			a = got
		}
	}
	if claims != nil && a != nil && a.UserID != "" && a.UserID != claims.UserID {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"error": "forbidden"})
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	conn := &safeConn{ws: ws}
	if claims != nil {
		conn.userID = claims.UserID
	}

	h.mu.Lock()
	h.conns[intentID] = append(h.conns[intentID], conn)
	h.mu.Unlock()

	log.Printf("[ws] client watching booking %s", intentID)

	if a != nil {
		snap := events.BookingEvent{
			Type:            "snapshot",
			PaymentIntentID: a.PaymentIntentID,
			CustomerID:      a.CustomerID,
			UserID:          a.UserID,
			State:           string(a.State),
			Amount:          a.Amount,
			OccurredAt:      a.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if a.RideID != nil {
			snap.RideID = *a.RideID
		}
		if err := conn.writeJSON(snap); err != nil {
			log.Printf("[ws] write error: %v", err)
		}
	}

	// Block until the client disconnects
	for {
		if _, _, err := conn.readMessage(); err != nil {
			break
		}
	}

	h.removeConn(intentID, conn)
	conn.close()
	log.Printf("[ws] client stopped watching booking %s", intentID)
}

// Broadcast pushes a booking event to every subscriber of its payment intent.
// Events owned by a user skip signed-in watchers who are someone else.
func (h *Hub) Broadcast(ev events.BookingEvent) {
	h.mu.RLock()
	conns := append([]*safeConn(nil), h.conns[ev.PaymentIntentID]...)
	h.mu.RUnlock()

	for _, c := range conns {
		if c.userID != "" && ev.UserID != "" && ev.UserID != c.userID {
			continue
		}
		if err := c.writeJSON(ev); err != nil {
			log.Printf("[ws] write error: %v", err)
		}
	}
}

// Watchers reports how many clients watch a payment intent.
func (h *Hub) Watchers(intentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[intentID])
}

// Consume feeds every booking topic from sub into the hub until ctx ends.
func (h *Hub) Consume(ctx context.Context, sub events.Subscriber, groupID string) {
	for _, topic := range events.Topics {
		sub.Subscribe(ctx, topic, groupID, h.handleMessage)
	}
}

func (h *Hub) handleMessage(data []byte) error {
	var ev events.BookingEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		// A malformed message will never parse; drop it.
		log.Printf("[ws] bad booking event: %v", err)
		return nil
	}
	if ev.PaymentIntentID == "" {
		return nil
	}
	h.Broadcast(ev)
	return nil
}

func (h *Hub) removeConn(intentID string, conn *safeConn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns := h.conns[intentID]
	for i, c := range conns {
		if c == conn {
			h.conns[intentID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(h.conns[intentID]) == 0 {
		delete(h.conns, intentID)
	}
}

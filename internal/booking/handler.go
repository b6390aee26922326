package booking

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ryde-service/pkg/apperr"
	"ryde-service/pkg/jwt"
)

// Handler exposes booking attempt status.
type Handler struct{ store *Store }

// NewHandler wires a handler to the attempt store.
func NewHandler(store *Store) *Handler { return &Handler{store: store} }

// Routes returns a chi.Router for the /bookings mount point.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{payment_intent_id}", h.Get)
	return r
}

// Get returns one attempt. A signed-in caller may only read their own.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.store.Get(r.Context(), chi.URLParam(r, "payment_intent_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if c := jwt.GetClaims(r.Context()); c != nil && a.UserID != "" && a.UserID != c.UserID {
		writeError(w, apperr.Forbidden("forbidden"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": a})
}

func writeError(w http.ResponseWriter, err error) {
	status := apperr.Status(err)
	if status >= http.StatusInternalServerError {
		log.Printf("[booking] %v", err)
	}
	writeJSON(w, status, map[string]string{"error": apperr.Public(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

package geo

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"ryde-service/pkg/validation"
)

// Handler exposes map helpers.
type Handler struct{}

// NewHandler returns a map handler.
func NewHandler() *Handler { return &Handler{} }

// Routes returns a chi.Router for the /map mount point.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/region", h.Region)
	return r
}

// Region computes the map region for ?user_lat&user_lng[&dest_lat&dest_lng].
func (h *Handler) Region(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user, err := PointFromQuery(q, "user_lat", "user_lng")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	dest, err := PointFromQuery(q, "dest_lat", "dest_lng")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": CalculateRegion(user, dest)})
}

// PointFromQuery reads a coordinate pair. Both absent gives nil; one absent,
// unparsable or out of range is an error.
func PointFromQuery(q url.Values, latKey, lngKey string) (*LatLng, error) {
	latStr, lngStr := q.Get(latKey), q.Get(lngKey)
	if latStr == "" && lngStr == "" {
		return nil, nil
	}
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return nil, &queryError{latKey}
	}
	lng, err := strconv.ParseFloat(lngStr, 64)
	if err != nil {
		return nil, &queryError{lngKey}
	}
	if !validation.ValidateCoordinates(lat, lng) {
		return nil, &queryError{latKey + "/" + lngKey}
	}
	return &LatLng{Lat: lat, Lng: lng}, nil
}

type queryError struct{ param string }

func (e *queryError) Error() string { return "invalid " + e.param }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

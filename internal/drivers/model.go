package drivers

// Driver is a row of the drivers table. Drivers are onboarded outside this
// service, so the API only reads them.
type Driver struct {
	ID              int64   `json:"id"`
	FirstName       string  `json:"first_name"`
	LastName        string  `json:"last_name"`
	ProfileImageURL string  `json:"profile_image_url"`
	CarImageURL     string  `json:"car_image_url"`
	CarSeats        int     `json:"car_seats"`
	Rating          float64 `json:"rating"`
}

// LocationUpdate is the body for PATCH /drivers/{id}/location.
type LocationUpdate struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

// Marker is a driver positioned on the map. Time and Price are set only when
// the rider has picked a destination.
type Marker struct {
	Driver
	Title      string   `json:"title"`
	Latitude   float64  `json:"latitude"`
	Longitude  float64  `json:"longitude"`
	DistanceKm float64  `json:"distance_km"`
	Time       *float64 `json:"time,omitempty"`  // minutes to user plus trip
	Price      *float64 `json:"price,omitempty"` // major units
}

// NearbyQuery selects drivers around a rider.
type NearbyQuery struct {
	Latitude  float64
	Longitude float64
	DestLat   *float64
	DestLng   *float64
	RadiusKm  float64
	Limit     int
}

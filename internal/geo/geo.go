package geo

import "math"

// LatLng is a point on the map.
type LatLng struct {
	Lat float64 `json:"latitude"`
	Lng float64 `json:"longitude"`
}

// Region is what the map should show: a centre and the span around it.
type Region struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	LatitudeDelta  float64 `json:"latitudeDelta"`
	LongitudeDelta float64 `json:"longitudeDelta"`
}

// DefaultRegion is shown until the user's location is known.
var DefaultRegion = Region{
	Latitude:       37.78825,
	Longitude:      -122.4324,
	LatitudeDelta:  0.0922,
	LongitudeDelta: 0.0421,
}

const (
	userOnlyDelta = 0.01
	regionPadding = 1.3

	// averageSpeedKmh turns a straight-line distance into a rough city
	// driving time.
	averageSpeedKmh = 30.0

	// pricePerMinute is in major currency units.
	pricePerMinute = 0.5
)

// CalculateRegion frames the user alone, or the user and the destination
// with some padding. A nil user gives DefaultRegion.
func CalculateRegion(user, destination *LatLng) Region {
	if user == nil {
		return DefaultRegion
	}
	if destination == nil {
		return Region{
			Latitude:       user.Lat,
			Longitude:      user.Lng,
			LatitudeDelta:  userOnlyDelta,
			LongitudeDelta: userOnlyDelta,
		}
	}

	minLat := math.Min(user.Lat, destination.Lat)
	maxLat := math.Max(user.Lat, destination.Lat)
	minLng := math.Min(user.Lng, destination.Lng)
	maxLng := math.Max(user.Lng, destination.Lng)

	return Region{
		Latitude:       (minLat + maxLat) / 2,
		Longitude:      (minLng + maxLng) / 2,
		LatitudeDelta:  (maxLat - minLat) * regionPadding,
		LongitudeDelta: (maxLng - minLng) * regionPadding,
	}
}

// HaversineKm is the great-circle distance between two points.
func HaversineKm(a, b LatLng) float64 {
	const R = 6371.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	return R * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// TravelMinutes estimates the driving time between two points.
func TravelMinutes(a, b LatLng) float64 {
	return HaversineKm(a, b) / averageSpeedKmh * 60
}

// Estimate is a driver's time to reach the user plus the trip itself, and
// the resulting price.
type Estimate struct {
	MinutesToUser float64 `json:"minutes_to_user"`
	TripMinutes   float64 `json:"trip_minutes"`
	TotalMinutes  float64 `json:"time"`
	Price         float64 `json:"price"` // major units
}

// EstimateRide prices a ride from driver's position through user to
// destination at pricePerMinute of total travel time.
func EstimateRide(driver, user, destination LatLng) Estimate {
	toUser := TravelMinutes(driver, user)
	trip := TravelMinutes(user, destination)
	total := toUser + trip
	return Estimate{
		MinutesToUser: round2(toUser),
		TripMinutes:   round2(trip),
		TotalMinutes:  round2(total),
		Price:         round2(total * pricePerMinute),
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

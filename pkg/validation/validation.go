package validation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

func ValidateEmail(email string) bool {
	email = strings.TrimSpace(email)
	return email != "" && emailRegex.MatchString(email) && len(email) <= 200
}

func ValidateName(name string) bool {
	name = strings.TrimSpace(name)
	return name != "" && len(name) <= 200
}

func ValidateLatitude(lat float64) bool  { return lat >= -90 && lat <= 90 }
func ValidateLongitude(lng float64) bool { return lng >= -180 && lng <= 180 }

func ValidateCoordinates(lat, lng float64) bool {
	return ValidateLatitude(lat) && ValidateLongitude(lng)
}

// Presence collects the names of required fields that were not supplied.
// A field counts as present when it was sent, whatever its value: a zero
// latitude is a real place.
type Presence struct {
	missing []string
}

// String records name as missing when v is nil or blank.
func (p *Presence) String(name string, v *string) {
	if v == nil || strings.TrimSpace(*v) == "" {
		p.missing = append(p.missing, name)
	}
}

// Float records name as missing when v is nil.
func (p *Presence) Float(name string, v *float64) {
	if v == nil {
		p.missing = append(p.missing, name)
	}
}

// Int records name as missing when v is nil.
func (p *Presence) Int(name string, v *int64) {
	if v == nil {
		p.missing = append(p.missing, name)
	}
}

// Number records name as missing when v is nil or empty. Numbers sent as
// JSON strings decode into json.Number too.
func (p *Presence) Number(name string, v *json.Number) {
	if v == nil || strings.TrimSpace(v.String()) == "" {
		p.missing = append(p.missing, name)
	}
}

// Missing returns the recorded field names in check order.
func (p *Presence) Missing() []string { return p.missing }

// OK reports whether every checked field was present.
func (p *Presence) OK() bool { return len(p.missing) == 0 }

// Err describes the missing fields, or returns nil.
func (p *Presence) Err() error {
	if p.OK() {
		return nil
	}
	return fmt.Errorf("missing fields: %s", strings.Join(p.missing, ", "))
}

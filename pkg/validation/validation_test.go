package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateEmail(t *testing.T) {
	assert.True(t, ValidateEmail("jane@x.com"))
	assert.True(t, ValidateEmail("  jane.doe+ryde@example.co.uk "))
	assert.False(t, ValidateEmail(""))
	assert.False(t, ValidateEmail("jane"))
	assert.False(t, ValidateEmail("jane@x"))
}

func TestValidateCoordinates(t *testing.T) {
	assert.True(t, ValidateCoordinates(0, 0))
	assert.True(t, ValidateCoordinates(-90, 180))
	assert.False(t, ValidateCoordinates(90.0001, 0))
	assert.False(t, ValidateCoordinates(0, -180.5))
}

func TestPresenceAcceptsZeroValues(t *testing.T) {
	zero := 0.0
	var zeroInt int64
	name := "Null Island"

	var p Presence
	p.Float("origin_latitude", &zero)
	p.Int("ride_time", &zeroInt)
	p.String("origin_address", &name)

	assert.True(t, p.OK())
	assert.NoError(t, p.Err())
}

func TestPresenceReportsMissing(t *testing.T) {
	blank := "   "

	var p Presence
	p.String("origin_address", nil)
	p.String("payment_status", &blank)
	p.Float("destination_longitude", nil)
	p.Int("fare_price", nil)

	assert.False(t, p.OK())
	assert.Equal(t, []string{"origin_address", "payment_status", "destination_longitude", "fare_price"}, p.Missing())
	assert.EqualError(t, p.Err(), "missing fields: origin_address, payment_status, destination_longitude, fare_price")
}

func TestPresenceNumber(t *testing.T) {
	zero := json.Number("0")
	empty := json.Number("")

	var p Presence
	p.Number("driver_id", &zero)
	p.Number("fare_price", &empty)
	p.Number("ride_time", nil)

	assert.Equal(t, []string{"fare_price", "ride_time"}, p.Missing())
}

package opt

import (
	"math"
	"time"

	"nemtdispatch/internal/model"
)

const (
	earthRadiusMiles = 3958.8
	// roadFactor converts great-circle distance into a street distance.
	roadFactor  = 1.3
	minimumRide = 5 * time.Minute
)

// RideDuration estimates pickup-to-dropoff time. Reported miles win over
// coordinates; with neither the default ride duration applies.
func RideDuration(t model.Trip, p Params) time.Duration {
	miles := t.Miles
	if miles <= 0 && t.Pickup.Location != nil && t.Dropoff.Location != nil {
		a, b := t.Pickup.Location, t.Dropoff.Location
		miles = haversineMiles(a.Lat, a.Lng, b.Lat, b.Lng) * roadFactor
	}
	if miles <= 0 || p.AvgSpeedMph <= 0 {
		return p.DefaultRideDuration
	}
	d := time.Duration(miles / p.AvgSpeedMph * float64(time.Hour)).Round(time.Minute)
	if d < minimumRide {
		d = minimumRide
	}
	return d
}

// TripMiles is the billable distance: reported miles, else the street
// estimate from coordinates, else zero.
func TripMiles(t model.Trip) float64 {
	if t.Miles > 0 {
		return t.Miles
	}
	if t.Pickup.Location != nil && t.Dropoff.Location != nil {
		a, b := t.Pickup.Location, t.Dropoff.Location
		return math.Round(haversineMiles(a.Lat, a.Lng, b.Lat, b.Lng)*roadFactor*10) / 10
	}
	return 0
}

func haversineMiles(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMiles * c
}

// OnTime reports whether an assignment meets the trip's pickup window and
// appointment. Untimed trips count as on time.
func OnTime(a model.TripAssignment, t model.Trip) bool {
	if !t.Window.IsZero() && a.PickupAt.After(t.Window.End) {
		return false
	}
	if t.AppointmentAt != nil && a.DropoffAt.After(*t.AppointmentAt) {
		return false
	}
	return true
}

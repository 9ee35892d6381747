package ingest

import "strings"

// Field identifies a normalized trip attribute in a schedule export.
type Field string

const (
	FieldTripID         Field = "tripId"
	FieldRiderName      Field = "riderName"
	FieldMobility       Field = "mobility"
	FieldPickupAddress  Field = "pickupAddress"
	FieldPickupCity     Field = "pickupCity"
	FieldDropoffAddress Field = "dropoffAddress"
	FieldDropoffCity    Field = "dropoffCity"
	FieldPickupTime     Field = "pickupTime"
	FieldAppointment    Field = "appointmentTime"
	FieldWindowStart    Field = "windowStart"
	FieldWindowEnd      Field = "windowEnd"
	FieldMiles          Field = "miles"
	FieldPickupLat      Field = "pickupLat"
	FieldPickupLng      Field = "pickupLng"
	FieldDropoffLat     Field = "dropoffLat"
	FieldDropoffLng     Field = "dropoffLng"
)

// FieldSpec declares the accepted header aliases for a field, in priority
// order, and whether its absence from the header deserves a warning.
type FieldSpec struct {
	Field    Field
	Aliases  []string
	Expected bool
}

// Schema is the declared column schema for schedule exports.
var Schema = []FieldSpec{
	{Field: FieldTripID, Aliases: []string{"TripID", "ID"}, Expected: true},
	{Field: FieldRiderName, Aliases: []string{"MemberName", "Patient", "Name"}, Expected: true},
	{Field: FieldMobility, Aliases: []string{"MobilityType", "Mobility"}, Expected: true},
	{Field: FieldPickupAddress, Aliases: []string{"PickupAddress"}, Expected: true},
	{Field: FieldPickupCity, Aliases: []string{"PickupCity"}},
	{Field: FieldDropoffAddress, Aliases: []string{"DropoffAddress"}, Expected: true},
	{Field: FieldDropoffCity, Aliases: []string{"DropoffCity"}},
	{Field: FieldPickupTime, Aliases: []string{"PickupTime", "Pickup"}, Expected: true},
	{Field: FieldAppointment, Aliases: []string{"AppointmentTime", "ApptTime", "Appointment"}},
	{Field: FieldWindowStart, Aliases: []string{"PickupWindowStart", "WindowStart"}},
	{Field: FieldWindowEnd, Aliases: []string{"PickupWindowEnd", "WindowEnd"}},
	{Field: FieldMiles, Aliases: []string{"Miles", "TripMiles", "Distance"}},
	{Field: FieldPickupLat, Aliases: []string{"PickupLat", "PickupLatitude"}},
	{Field: FieldPickupLng, Aliases: []string{"PickupLng", "PickupLon", "PickupLongitude"}},
	{Field: FieldDropoffLat, Aliases: []string{"DropoffLat", "DropoffLatitude"}},
	{Field: FieldDropoffLng, Aliases: []string{"DropoffLng", "DropoffLon", "DropoffLongitude"}},
}

// normalizeHeader lowercases and strips every non-alphanumeric rune.
func normalizeHeader(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// resolveColumns maps each schema field to a header column index. Earlier
// aliases win when a header carries several.
func resolveColumns(header []string) map[Field]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		n := normalizeHeader(h)
		if _, dup := idx[n]; !dup {
			idx[n] = i
		}
	}
	cols := make(map[Field]int, len(Schema))
	for _, spec := range Schema {
		for _, alias := range spec.Aliases {
			if i, ok := idx[normalizeHeader(alias)]; ok {
				cols[spec.Field] = i
				break
			}
		}
	}
	return cols
}

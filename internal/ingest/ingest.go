// Package ingest turns external schedule exports into normalized trips.
//
// Parsing never fails because of a single row: every data-quality problem is
// returned as a row-level warning and processing continues.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"nemtdispatch/internal/model"
)

// Warning codes.
const (
	CodeEmptyInput        = "EMPTY_INPUT"
	CodeMissingColumn     = "MISSING_COLUMN"
	CodeShortRow          = "SHORT_ROW"
	CodeMalformedRow      = "MALFORMED_ROW"
	CodeMissingField      = "MISSING_FIELD"
	CodeDefaultedMobility = "DEFAULTED_MOBILITY"
	CodeBadTime           = "BAD_TIME"
	CodeBadNumber         = "BAD_NUMBER"
	CodeDuplicateID       = "DUPLICATE_ID"
)

type Options struct {
	// WindowTolerance widens a bare pickup time into a window on both sides.
	WindowTolerance time.Duration
	// Location for clock-only values; defaults to the service date's zone.
	Location *time.Location
}

type Result struct {
	Trips    []model.Trip
	Warnings []model.IngestWarning
	Rows     int
	Skipped  int
}

// ParseReader reads the whole export and parses it. The only error is a
// failure to read r.
func ParseReader(r io.Reader, serviceDate time.Time, opts Options) (Result, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return Result{}, fmt.Errorf("read schedule: %w", err)
	}
	return Parse(string(b), serviceDate, opts), nil
}

// Parse converts raw tabular text into trips plus warnings.
func Parse(raw string, serviceDate time.Time, opts Options) Result {
	var res Result
	if strings.TrimSpace(raw) == "" {
		res.warn(0, "", CodeEmptyInput, "schedule text is empty")
		return res
	}
	loc := opts.Location
	if loc == nil {
		loc = serviceDate.Location()
	}

	rd := csv.NewReader(strings.NewReader(raw))
	rd.FieldsPerRecord = -1
	rd.LazyQuotes = true
	rd.TrimLeadingSpace = true
	if sniffTabs(raw) {
		rd.Comma = '\t'
	}

	header, err := rd.Read()
	if err != nil {
		res.warn(0, "", CodeMalformedRow, fmt.Sprintf("unreadable header: %v", err))
		return res
	}
	cols := resolveColumns(header)
	for _, spec := range Schema {
		if _, ok := cols[spec.Field]; !ok && spec.Expected {
			res.warn(0, string(spec.Field), CodeMissingColumn,
				fmt.Sprintf("no column matches %s", strings.Join(spec.Aliases, "/")))
		}
	}

	p := rowParser{cols: cols, date: serviceDate, loc: loc, tol: opts.WindowTolerance, seen: map[string]int{}, used: map[string]bool{}}
	row := 0
	for {
		rec, err := rd.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		row++
		res.Rows++
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				res.Skipped++
				res.warn(row, "", CodeMalformedRow, pe.Error())
				continue
			}
			res.warn(row, "", CodeMalformedRow, err.Error())
			break
		}
		if len(rec) < len(header) {
			res.Skipped++
			res.warn(row, "", CodeShortRow, fmt.Sprintf("row has %d fields, header has %d", len(rec), len(header)))
			continue
		}
		trip, warns := p.parse(row, rec)
		res.Warnings = append(res.Warnings, warns...)
		res.Trips = append(res.Trips, trip)
	}
	return res
}

func (r *Result) warn(row int, field, code, msg string) {
	r.Warnings = append(r.Warnings, model.IngestWarning{Row: row, Field: field, Code: code, Message: msg})
}

func sniffTabs(raw string) bool {
	first, _, _ := strings.Cut(raw, "\n")
	return strings.Contains(first, "\t") && !strings.Contains(first, ",")
}

type rowParser struct {
	cols map[Field]int
	date time.Time
	loc  *time.Location
	tol  time.Duration
	// seen holds the last duplicate suffix per id; used holds every id
	// emitted so far, synthesized ones included.
	seen map[string]int
	used map[string]bool
}

func (p *rowParser) get(rec []string, f Field) string {
	i, ok := p.cols[f]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func (p *rowParser) parse(row int, rec []string) (model.Trip, []model.IngestWarning) {
	var warns []model.IngestWarning
	warn := func(field Field, code, msg string) {
		warns = append(warns, model.IngestWarning{Row: row, Field: string(field), Code: code, Message: msg})
	}

	t := model.Trip{SourceRow: row}
	t.ExternalRef = p.get(rec, FieldTripID)
	id := t.ExternalRef
	if id == "" {
		id = fmt.Sprintf("ROW%d", row)
		warn(FieldTripID, CodeMissingField, "trip id missing; using "+id)
	}
	if p.used[id] {
		base := id
		n := max(p.seen[base], 1)
		for p.used[id] {
			n++
			id = fmt.Sprintf("%s~%d", base, n)
		}
		p.seen[base] = n
		warn(FieldTripID, CodeDuplicateID, fmt.Sprintf("trip id %s repeated; using %s", base, id))
	}
	p.used[id] = true
	t.ID = id

	t.RiderName = p.get(rec, FieldRiderName)
	if t.RiderName == "" {
		warn(FieldRiderName, CodeMissingField, "rider name missing")
	}

	rawMob := p.get(rec, FieldMobility)
	mob, ok := ParseMobility(rawMob)
	if !ok {
		warn(FieldMobility, CodeDefaultedMobility, fmt.Sprintf("mobility %q not recognized; defaulting to standard", rawMob))
	}
	t.Mobility = mob

	t.Pickup = model.Place{Address: p.get(rec, FieldPickupAddress), City: p.get(rec, FieldPickupCity)}
	t.Dropoff = model.Place{Address: p.get(rec, FieldDropoffAddress), City: p.get(rec, FieldDropoffCity)}
	if t.Pickup.Address == "" {
		warn(FieldPickupAddress, CodeMissingField, "pickup address missing")
	}
	if t.Dropoff.Address == "" {
		warn(FieldDropoffAddress, CodeMissingField, "dropoff address missing")
	}
	t.Pickup.Location = p.point(rec, FieldPickupLat, FieldPickupLng, warn)
	t.Dropoff.Location = p.point(rec, FieldDropoffLat, FieldDropoffLng, warn)

	if v := p.get(rec, FieldMiles); v != "" {
		m, err := strconv.ParseFloat(v, 64)
		if err != nil || m < 0 {
			warn(FieldMiles, CodeBadNumber, fmt.Sprintf("miles %q ignored", v))
		} else {
			t.Miles = m
		}
	}

	rawPickup := p.get(rec, FieldPickupTime)
	pickup, ok := parseTime(rawPickup, p.date, p.loc)
	if !ok {
		warn(FieldPickupTime, CodeBadTime, fmt.Sprintf("pickup time %q unusable; trip cannot be timed", rawPickup))
	} else {
		t.PickupAt = pickup
		t.Window = model.TimeWindow{Start: pickup.Add(-p.tol), End: pickup.Add(p.tol)}
		ws, okS := parseTime(p.get(rec, FieldWindowStart), p.date, p.loc)
		we, okE := parseTime(p.get(rec, FieldWindowEnd), p.date, p.loc)
		switch {
		case okS && okE && !we.Before(ws):
			t.Window = model.TimeWindow{Start: ws, End: we}
		case okS && okE:
			warn(FieldWindowEnd, CodeBadTime, "window end precedes start; using pickup tolerance")
		case okS:
			t.Window.Start = ws
		case okE:
			t.Window.End = we
		}
		if t.Window.End.Before(t.Window.Start) {
			t.Window = model.TimeWindow{Start: pickup.Add(-p.tol), End: pickup.Add(p.tol)}
		}
	}

	if v := p.get(rec, FieldAppointment); v != "" {
		if at, ok := parseTime(v, p.date, p.loc); ok {
			t.AppointmentAt = &at
		} else {
			warn(FieldAppointment, CodeBadTime, fmt.Sprintf("appointment time %q ignored", v))
		}
	}
	return t, warns
}

func (p *rowParser) point(rec []string, latF, lngF Field, warn func(Field, string, string)) *model.GeoPoint {
	la, lo := p.get(rec, latF), p.get(rec, lngF)
	if la == "" && lo == "" {
		return nil
	}
	lat, err1 := strconv.ParseFloat(la, 64)
	lng, err2 := strconv.ParseFloat(lo, 64)
	if err1 != nil || err2 != nil || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		warn(latF, CodeBadNumber, fmt.Sprintf("coordinates %q,%q ignored", la, lo))
		return nil
	}
	return &model.GeoPoint{Lat: lat, Lng: lng}
}

// ParseMobility maps export codes onto mobility classes. Unknown or empty
// values report false and fall back to standard.
func ParseMobility(v string) (model.Mobility, bool) {
	switch strings.ToUpper(normalizeHeader(v)) {
	case "AMB", "AMBULATORY", "STANDARD", "STD":
		return model.MobilityStandard, true
	case "WC", "WCH", "WHEELCHAIR":
		return model.MobilityWheelchair, true
	case "STR", "STRETCHER", "GURNEY":
		return model.MobilityStretcher, true
	}
	return model.MobilityStandard, false
}

var (
	dateTimeLayouts = []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"2006-01-02T15:04",
		"01/02/2006 15:04",
		"1/2/2006 15:04",
		"01/02/2006 3:04 PM",
		"1/2/2006 3:04 PM",
	}
	clockLayouts = []string{"15:04", "15:04:05", "3:04 PM", "3:04PM", "1504"}
)

// parseTime accepts full timestamps or clock values; clock values land on
// the service date.
func parseTime(v string, date time.Time, loc *time.Location) (time.Time, bool) {
	v = strings.ToUpper(strings.TrimSpace(v))
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, true
		}
	}
	for _, layout := range clockLayouts {
		if c, err := time.Parse(layout, v); err == nil {
			y, m, d := date.Date()
			return time.Date(y, m, d, c.Hour(), c.Minute(), c.Second(), 0, loc), true
		}
	}
	return time.Time{}, false
}

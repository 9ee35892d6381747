package ingest

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nemtdispatch/internal/model"
)

var serviceDate = time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)

func opts() Options { return Options{WindowTolerance: 15 * time.Minute} }

func codes(ws []model.IngestWarning) []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Code)
	}
	return out
}

func TestParseWheelchairRow(t *testing.T) {
	raw := "TripID,MemberName,MobilityType,PickupAddress,PickupCity,DropoffAddress,DropoffCity,PickupTime\n" +
		"T1,Jane Doe,WC,100 Main St,Springfield,200 Oak Ave,Springfield,08:00\n"

	res := Parse(raw, serviceDate, opts())
	require.Len(t, res.Trips, 1)
	trip := res.Trips[0]
	assert.Equal(t, "T1", trip.ID)
	assert.Equal(t, "Jane Doe", trip.RiderName)
	assert.Equal(t, model.MobilityWheelchair, trip.Mobility)
	assert.Equal(t, "100 Main St", trip.Pickup.Address)
	assert.Equal(t, "Springfield", trip.Dropoff.City)
	want := time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)
	assert.True(t, trip.PickupAt.Equal(want))
	assert.True(t, trip.Window.Start.Equal(want.Add(-15*time.Minute)))
	assert.True(t, trip.Window.End.Equal(want.Add(15*time.Minute)))
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 1, res.Rows)
}

func TestParseAliasesAndHeaderNormalization(t *testing.T) {
	raw := "id,patient,Mobility,Pickup Address,pickup_city,DROPOFF ADDRESS,dropoffcity,pickup,appt time,miles\n" +
		"A9,Sam Roe,STR,1 Elm,Shelbyville,2 Pine,Shelbyville,2:30 PM,15:30,12.5\n"

	res := Parse(raw, serviceDate, opts())
	require.Len(t, res.Trips, 1)
	trip := res.Trips[0]
	assert.Equal(t, "A9", trip.ID)
	assert.Equal(t, model.MobilityStretcher, trip.Mobility)
	assert.Equal(t, 14, trip.PickupAt.Hour())
	assert.Equal(t, 30, trip.PickupAt.Minute())
	require.NotNil(t, trip.AppointmentAt)
	assert.Equal(t, 15, trip.AppointmentAt.Hour())
	assert.InDelta(t, 12.5, trip.Miles, 1e-9)
}

func TestParseRowLevelWarnings(t *testing.T) {
	raw := strings.Join([]string{
		"TripID,MemberName,MobilityType,PickupAddress,DropoffAddress,PickupTime",
		"T1,Ann,XYZ,1 A St,2 B St,07:00",
		"T2,Bob,AMB,1 A St",
		",Cal,AMB,1 A St,2 B St,07:30",
		"T1,Dee,WC,1 A St,2 B St,nope",
	}, "\n")

	res := Parse(raw, serviceDate, opts())
	assert.Equal(t, 4, res.Rows)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Trips, 3)

	assert.Equal(t, "T1", res.Trips[0].ID)
	assert.Equal(t, model.MobilityStandard, res.Trips[0].Mobility)
	assert.Equal(t, "ROW3", res.Trips[1].ID)
	assert.Equal(t, "T1~2", res.Trips[2].ID)
	assert.True(t, res.Trips[2].Window.IsZero())
	assert.True(t, res.Trips[2].PickupAt.IsZero())

	got := codes(res.Warnings)
	for _, want := range []string{CodeDefaultedMobility, CodeShortRow, CodeMissingField, CodeDuplicateID, CodeBadTime} {
		assert.Contains(t, got, want)
	}
	for _, w := range res.Warnings {
		if w.Code == CodeShortRow {
			assert.Equal(t, 2, w.Row)
		}
	}
}

func TestParseSynthesizedIDsNeverCollide(t *testing.T) {
	raw := strings.Join([]string{
		"TripID,MemberName,MobilityType,PickupAddress,DropoffAddress,PickupTime",
		"ROW3,Ann,AMB,1 A St,2 B St,07:00",
		"T1,Bob,AMB,1 A St,2 B St,07:30",
		",Cal,AMB,1 A St,2 B St,08:00",
		"T1,Dee,AMB,1 A St,2 B St,08:30",
		"T1~2,Eve,AMB,1 A St,2 B St,09:00",
	}, "\n")

	res := Parse(raw, serviceDate, opts())
	require.Len(t, res.Trips, 5)
	ids := make([]string, 0, len(res.Trips))
	for _, tr := range res.Trips {
		ids = append(ids, tr.ID)
	}
	assert.Equal(t, []string{"ROW3", "T1", "ROW3~2", "T1~2", "T1~2~2"}, ids)
	assert.Equal(t, "T1~2", res.Trips[4].ExternalRef)
}

func TestParseMissingColumnsWarnOnce(t *testing.T) {
	res := Parse("TripID,PickupTime\nT1,08:00\n", serviceDate, opts())
	require.Len(t, res.Trips, 1)
	var header []string
	for _, w := range res.Warnings {
		if w.Row == 0 {
			header = append(header, w.Field)
			assert.Equal(t, CodeMissingColumn, w.Code)
		}
	}
	assert.ElementsMatch(t, []string{
		string(FieldRiderName), string(FieldMobility), string(FieldPickupAddress), string(FieldDropoffAddress),
	}, header)
}

func TestParseExplicitWindowAndTabs(t *testing.T) {
	raw := "TripID\tPickupTime\tWindowStart\tWindowEnd\tMobility\n" +
		"T5\t2025-03-14 09:00\t08:40\t09:10\twheelchair\n"

	res := Parse(raw, serviceDate, opts())
	require.Len(t, res.Trips, 1)
	w := res.Trips[0].Window
	assert.Equal(t, 40, w.Start.Minute())
	assert.Equal(t, 10, w.End.Minute())
	assert.Equal(t, 30*time.Minute, w.Width())
	assert.Equal(t, model.MobilityWheelchair, res.Trips[0].Mobility)
}

func TestParseEmptyInput(t *testing.T) {
	res := Parse("  \n", serviceDate, opts())
	assert.Empty(t, res.Trips)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, CodeEmptyInput, res.Warnings[0].Code)
}

func TestParseReader(t *testing.T) {
	res, err := ParseReader(strings.NewReader("ID,Pickup\nX,0815\n"), serviceDate, opts())
	require.NoError(t, err)
	require.Len(t, res.Trips, 1)
	assert.Equal(t, 8, res.Trips[0].PickupAt.Hour())
	assert.Equal(t, 15, res.Trips[0].PickupAt.Minute())
}

func TestParseMobility(t *testing.T) {
	cases := map[string]model.Mobility{
		"amb": model.MobilityStandard, "Ambulatory": model.MobilityStandard,
		"WCH": model.MobilityWheelchair, "wheel chair": model.MobilityWheelchair,
		"gurney": model.MobilityStretcher,
	}
	for in, want := range cases {
		got, ok := ParseMobility(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	got, ok := ParseMobility("")
	assert.False(t, ok)
	assert.Equal(t, model.MobilityStandard, got)
}

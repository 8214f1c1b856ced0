package duke

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(t *testing.T, value string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", value)
	require.NoError(t, err)
	return d
}

func tempPtr(v float64) *float64 { return &v }

func TestBuildUsageReportDaily(t *testing.T) {
	start := day(t, "2024-01-01")
	end := day(t, "2024-01-05")

	entries := []usageEntry{
		{Date: "01/01/2024", Usage: 10, TemperatureAvg: tempPtr(40)},
		{Date: "01/02/2024", Usage: 12.5, TemperatureAvg: tempPtr(38)},
		{Date: "01/03/2024", Usage: 0, TemperatureAvg: tempPtr(35)},
		{Date: "01/04/2024", Usage: 9.25, TemperatureAvg: nil},
		{Date: "01/05/2024", Usage: 11, TemperatureAvg: tempPtr(42)},
	}

	report := buildUsageReport(entries, IntervalDaily, start, end)

	want := map[time.Time]Reading{
		start:                {Energy: 10, Temperature: tempPtr(40)},
		start.AddDate(0, 0, 1): {Energy: 12.5, Temperature: tempPtr(38)},
		start.AddDate(0, 0, 3): {Energy: 9.25},
		start.AddDate(0, 0, 4): {Energy: 11, Temperature: tempPtr(42)},
	}
	if diff := cmp.Diff(want, report.Readings); diff != "" {
		t.Errorf("readings mismatch (-want +got):\n%s", diff)
	}

	// the zero-usage day counts as missing, not as a zero reading
	assert.Equal(t, []time.Time{start.AddDate(0, 0, 2)}, report.Missing)
}

func TestBuildUsageReportDailySkippedDay(t *testing.T) {
	start := day(t, "2024-01-01")
	end := day(t, "2024-01-04")

	// the gateway dropped 01/02 entirely; later rows must still align
	entries := []usageEntry{
		{Date: "01/01/2024", Usage: 10},
		{Date: "01/03/2024", Usage: 8},
		{Date: "01/04/2024", Usage: 7},
	}

	report := buildUsageReport(entries, IntervalDaily, start, end)

	want := map[time.Time]Reading{
		start:                {Energy: 10},
		start.AddDate(0, 0, 2): {Energy: 8},
		start.AddDate(0, 0, 3): {Energy: 7},
	}
	if diff := cmp.Diff(want, report.Readings); diff != "" {
		t.Errorf("readings mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []time.Time{start.AddDate(0, 0, 1)}, report.Missing)
}

func TestBuildUsageReportDailyTruncated(t *testing.T) {
	start := day(t, "2024-01-01")
	end := day(t, "2024-01-03")

	entries := []usageEntry{
		{Date: "01/01/2024", Usage: 10},
	}

	report := buildUsageReport(entries, IntervalDaily, start, end)

	assert.Len(t, report.Readings, 1)
	assert.Equal(t, []time.Time{
		start.AddDate(0, 0, 1),
		start.AddDate(0, 0, 2),
	}, report.Missing)
}

func hourlyEntries(t *testing.T, days int, skip func(day, hour int) bool) []usageEntry {
	t.Helper()
	start := day(t, "2024-01-01")
	var entries []usageEntry
	for d := 0; d < days; d++ {
		for h := 0; h < 24; h++ {
			if skip != nil && skip(d, h) {
				continue
			}
			idx := d*24 + h
			entries = append(entries, usageEntry{
				Date:           start.Add(time.Duration(h) * time.Hour).Format("03 PM"),
				Usage:          flexNumber(idx),
				TemperatureAvg: tempPtr(30 + float64(d)),
			})
		}
	}
	return entries
}

func TestBuildUsageReportHourly(t *testing.T) {
	start := day(t, "2024-01-01")
	end := start.AddDate(0, 0, 1)

	// hour 2 of the first day is absent; hour 0 has zero usage
	entries := hourlyEntries(t, 2, func(d, h int) bool { return d == 0 && h == 2 })

	report := buildUsageReport(entries, IntervalHourly, start, end)

	assert.Len(t, report.Readings, 2*24-2)
	assert.Equal(t, []time.Time{start, start.Add(2 * time.Hour)}, report.Missing)

	// hour 1 of the first day carries the first day's average temperature
	r, ok := report.Readings[start.Add(time.Hour)]
	require.True(t, ok)
	assert.Equal(t, float64(1), r.Energy)
	require.NotNil(t, r.Temperature)
	assert.Equal(t, float64(30), *r.Temperature)

	// the last hour of the second day is present with its usage intact
	r, ok = report.Readings[start.Add(47 * time.Hour)]
	require.True(t, ok)
	assert.Equal(t, float64(47), r.Energy)
}

func TestBuildUsageReportHourlyDuplicateRow(t *testing.T) {
	start := day(t, "2024-01-01")

	entries := []usageEntry{
		{Date: "12 AM", Usage: 1},
		{Date: "01 AM", Usage: 2},
		{Date: "01 AM", Usage: 2}, // repeated row, must be collapsed
	}
	for h := 2; h < 24; h++ {
		entries = append(entries, usageEntry{
			Date:  start.Add(time.Duration(h) * time.Hour).Format("03 PM"),
			Usage: flexNumber(h + 1),
		})
	}

	report := buildUsageReport(entries, IntervalHourly, start, start)

	assert.Len(t, report.Readings, 24)
	assert.Empty(t, report.Missing)
	for h := 0; h < 24; h++ {
		r, ok := report.Readings[start.Add(time.Duration(h) * time.Hour)]
		require.True(t, ok, fmt.Sprintf("hour %d missing", h))
		assert.Equal(t, float64(h+1), r.Energy)
	}
}

func TestReformatVendorDate(t *testing.T) {
	got, err := reformatVendorDate("2024-03-09")
	require.NoError(t, err)
	assert.Equal(t, "03/09/2024", got)

	_, err = reformatVendorDate("03/09/2024")
	assert.Error(t, err)
}

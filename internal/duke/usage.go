package duke

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

const (
	queryDateFormat  = "01/02/2006"
	vendorDateFormat = "2006-01-02"
	hourlySeries     = "03 PM"
)

// EnergyUsage fetches the usage graph for one meter between start and end
// (inclusive) and maps it onto per-slot readings. The gateway's usage
// array can repeat or skip slots; duplicates are collapsed and skipped
// slots are reported in the result's Missing list.
func (c *Client) EnergyUsage(
	ctx context.Context,
	serialNumber string,
	interval Interval,
	period Period,
	start, end time.Time,
	includeTemperature bool,
) (*UsageReport, error) {
	meters, err := c.Meters(ctx, false)
	if err != nil {
		return nil, err
	}
	meter, ok := meters[serialNumber]
	if !ok {
		return nil, fmt.Errorf("meter %s not found", serialNumber)
	}

	agreementStart, err := reformatVendorDate(meter.AgreementActiveDate)
	if err != nil {
		return nil, fmt.Errorf("invalid agreement start date: %w", err)
	}
	agreementEnd, err := reformatVendorDate(meter.AgreementEndDate)
	if err != nil {
		return nil, fmt.Errorf("invalid agreement end date: %w", err)
	}
	certified, err := reformatVendorDate(meter.MeterCertificationDate)
	if err != nil {
		return nil, fmt.Errorf("invalid meter certification date: %w", err)
	}

	includeWeather := "false"
	if includeTemperature {
		includeWeather = "true"
	}

	var result usageGraphResponse
	if err := c.getJSON(ctx, c.baseURL+"/account/usage/graph", url.Values{
		"srcSysCd":           {meter.Account.SrcSysCd},
		"srcAcctId":          {meter.Account.SrcAcctID},
		"srcAcctId2":         {meter.Account.SrcAcctID2},
		"meterSerialNumber":  {meter.SerialNum},
		"serviceType":        {meter.ServiceType},
		"intervalFrequency":  {string(interval)},
		"periodType":         {string(period)},
		"date":               {start.Format(queryDateFormat)},
		"includeWeatherData": {includeWeather},
		"agrmtStartDt":       {agreementStart},
		"agrmtEndDt":         {agreementEnd},
		"meterCertDt":        {certified},
		"startDate":          {start.Format(queryDateFormat)},
		"endDate":            {end.Format(queryDateFormat)},
		"zipCode":            {meter.Account.ServiceAddress.ZipCode},
		"showYear":           {"true"},
	}, &result); err != nil {
		return nil, err
	}

	return buildUsageReport(result.UsageArray, interval, start, end), nil
}

func reformatVendorDate(value string) (string, error) {
	t, err := time.Parse(vendorDateFormat, value)
	if err != nil {
		return "", err
	}
	return t.Format(queryDateFormat), nil
}

// buildUsageReport aligns the gateway's usage array against the expected
// slot series. Rows with a repeated date are dropped, rows whose date does
// not match the expected slot shift the alignment, and slots without a
// positive usage value are recorded as missing.
func buildUsageReport(entries []usageEntry, interval Interval, start, end time.Time) *UsageReport {
	numExpected := int(end.Sub(start).Hours()/24) + 1

	temperatures := make([]*float64, 0, numExpected)
	for i := 0; i < numExpected && i < len(entries); i++ {
		temperatures = append(temperatures, entries[i].TemperatureAvg)
	}

	if interval == IntervalHourly {
		numExpected *= 24
		expanded := make([]*float64, 0, len(temperatures)*24)
		for _, t := range temperatures {
			for hour := 0; hour < 24; hour++ {
				expanded = append(expanded, t)
			}
		}
		temperatures = expanded
	}

	numValues := len(entries)
	if numExpected > numValues {
		numValues = numExpected
	}

	readings := make(map[time.Time]Reading)
	var missing []time.Time
	offset := 0
	duplicates := 0

	for i := 0; i < numValues; i++ {
		var slot time.Time
		var expectedSeries string
		if interval == IntervalHourly {
			slot = start.Add(time.Duration(i-duplicates) * time.Hour)
			expectedSeries = slot.Format(hourlySeries)
		} else {
			slot = start.AddDate(0, 0, i)
			expectedSeries = slot.Format(queryDateFormat)
		}

		n := i - offset
		if n >= len(entries) {
			missing = append(missing, slot)
			continue
		}
		if n > 0 && entries[n].Date == entries[n-1].Date {
			duplicates++
			continue
		}
		if entries[n].Date != expectedSeries {
			missing = append(missing, slot)
			offset++
			continue
		}

		energy := float64(entries[n].Usage)
		if !(energy > 0) {
			missing = append(missing, slot)
			continue
		}

		reading := Reading{Energy: energy}
		if n < len(temperatures) {
			reading.Temperature = temperatures[n]
		}
		readings[slot] = reading
	}

	return &UsageReport{Readings: readings, Missing: missing}
}

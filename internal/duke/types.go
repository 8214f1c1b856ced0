package duke

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Interval is the usage-graph sample resolution.
type Interval string

const (
	IntervalHourly Interval = "HOURLY"
	IntervalDaily  Interval = "DAILY"
)

// Period is the usage-graph reporting window.
type Period string

const (
	PeriodDay          Period = "DAY"
	PeriodWeek         Period = "WEEK"
	PeriodBillingCycle Period = "BILLINGCYCLE"
)

// Account is a read-only billing account record as returned by the
// gateway. The client manages no lifecycle for it.
type Account struct {
	AccountNumber   string          `json:"accountNumber"`
	SrcSysCd        string          `json:"srcSysCd"`
	SrcAcctID       string          `json:"srcAcctId"`
	SrcAcctID2      string          `json:"srcAcctId2"`
	PrimaryBpNumber string          `json:"primaryBpNumber"`
	ServiceAddress  ServiceAddress  `json:"serviceAddressParsed"`
	Details         *AccountDetails `json:"details,omitempty"`
}

type ServiceAddress struct {
	ZipCode string `json:"zipCode"`
}

type AccountDetails struct {
	MeterInfo []Meter `json:"meterInfo"`
}

// Meter is one metered service point. Agreement and certification dates
// arrive in the gateway's YYYY-MM-DD shape.
type Meter struct {
	SerialNum              string `json:"serialNum"`
	ServiceType            string `json:"serviceType"`
	AgreementActiveDate    string `json:"agreementActiveDate"`
	AgreementEndDate       string `json:"agreementEndDate"`
	MeterCertificationDate string `json:"meterCertificationDate"`

	// Account is the owning account with its details stripped.
	Account *Account `json:"account,omitempty"`
}

type accountListResponse struct {
	Accounts        []Account `json:"accounts"`
	RelatedBpNumber string    `json:"relatedBpNumber"`
}

type usageGraphResponse struct {
	UsageArray []usageEntry `json:"usageArray"`
}

type usageEntry struct {
	Date           string     `json:"date"`
	Usage          flexNumber `json:"usage"`
	TemperatureAvg *float64   `json:"temperatureAvg"`
}

// flexNumber decodes a JSON number whether or not the gateway quotes it.
type flexNumber float64

func (f *flexNumber) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid usage value %q: %w", s, err)
	}
	*f = flexNumber(v)
	return nil
}

// Reading is one usage sample with its optional average temperature.
type Reading struct {
	Energy      float64
	Temperature *float64
}

// UsageReport maps sample timestamps to readings. Missing lists the slots
// the gateway skipped or reported as empty.
type UsageReport struct {
	Readings map[time.Time]Reading
	Missing  []time.Time
}

package main

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/gridwatt/dukeusage/internal/duke"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List billing accounts",
	Run: func(cmd *cobra.Command, args []string) {
		app := mustApp()
		accounts, err := app.client.Accounts(cmdContext(cmd), true)
		if err != nil {
			pterm.Error.Println(err)
			os.Exit(1)
		}

		rows := pterm.TableData{{"Account", "Source System", "Meters"}}
		for _, number := range sortedKeys(accounts) {
			account := accounts[number]
			meterCount := 0
			if account.Details != nil {
				meterCount = len(account.Details.MeterInfo)
			}
			rows = append(rows, []string{number, account.SrcSysCd, pterm.Sprintf("%d", meterCount)})
		}
		_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	},
}

var metersCmd = &cobra.Command{
	Use:   "meters",
	Short: "List meters across all accounts",
	Run: func(cmd *cobra.Command, args []string) {
		app := mustApp()
		meters, err := app.client.Meters(cmdContext(cmd), true)
		if err != nil {
			pterm.Error.Println(err)
			os.Exit(1)
		}

		rows := pterm.TableData{{"Serial", "Service", "Account"}}
		for _, serial := range sortedKeys(meters) {
			meter := meters[serial]
			accountNumber := ""
			if meter.Account != nil {
				accountNumber = meter.Account.AccountNumber
			}
			rows = append(rows, []string{serial, meter.ServiceType, accountNumber})
		}
		_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	},
}

var (
	usageMeter    string
	usageInterval string
	usagePeriod   string
	usageStart    string
	usageEnd      string
	usageNoTemp   bool
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Fetch energy usage for a meter",
	Run:   runUsage,
}

func init() {
	usageCmd.Flags().StringVar(&usageMeter, "meter", "", "Meter serial number")
	usageCmd.Flags().StringVar(&usageInterval, "interval", string(duke.IntervalDaily), "Sample interval (HOURLY|DAILY)")
	usageCmd.Flags().StringVar(&usagePeriod, "period", string(duke.PeriodBillingCycle), "Reporting period (DAY|WEEK|BILLINGCYCLE)")
	usageCmd.Flags().StringVar(&usageStart, "start", "", "Start date (YYYY-MM-DD)")
	usageCmd.Flags().StringVar(&usageEnd, "end", "", "End date (YYYY-MM-DD)")
	usageCmd.Flags().BoolVar(&usageNoTemp, "no-temperature", false, "Skip weather data")
	_ = usageCmd.MarkFlagRequired("meter")
	_ = usageCmd.MarkFlagRequired("start")
	_ = usageCmd.MarkFlagRequired("end")
}

func runUsage(cmd *cobra.Command, args []string) {
	app := mustApp()

	start, err := time.Parse("2006-01-02", usageStart)
	if err != nil {
		pterm.Error.Printfln("Invalid start date: %v", err)
		os.Exit(1)
	}
	end, err := time.Parse("2006-01-02", usageEnd)
	if err != nil {
		pterm.Error.Printfln("Invalid end date: %v", err)
		os.Exit(1)
	}

	report, err := app.client.EnergyUsage(
		cmdContext(cmd),
		usageMeter,
		duke.Interval(usageInterval),
		duke.Period(usagePeriod),
		start, end,
		!usageNoTemp,
	)
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}

	slots := make([]time.Time, 0, len(report.Readings))
	for slot := range report.Readings {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Before(slots[j]) })

	rows := pterm.TableData{{"Time", "Energy (kWh)", "Avg Temp"}}
	for _, slot := range slots {
		reading := report.Readings[slot]
		temp := "-"
		if reading.Temperature != nil {
			temp = pterm.Sprintf("%.1f", *reading.Temperature)
		}
		rows = append(rows, []string{
			slot.Format("2006-01-02 15:04"),
			pterm.Sprintf("%.3f", reading.Energy),
			temp,
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()

	if len(report.Missing) > 0 {
		pterm.Warning.Printfln("%d slot(s) had no usable reading", len(report.Missing))
	}
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func sortedKeys[V any](m map[string]*V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

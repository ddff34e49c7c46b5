package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/focusd/internal/device"
	goble "github.com/srg/focusd/internal/device/go-ble"
	"github.com/srg/focusd/internal/eventloop"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List nearby focus stage controllers",
	Long: `Scan for peripherals advertising the configured focus service and list
them. Devices whose name matches the configured device name are marked.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanAll      bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 5*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVarP(&scanAll, "all", "a", false, "List every advertiser, not only the focus service")
}

type scanResult struct {
	Address          string    `json:"address"`
	Name             string    `json:"name"`
	RSSI             int       `json:"rssi,omitempty"`
	ManufacturerData string    `json:"manufacturer_data,omitempty"`
	Match            bool      `json:"match"`
	LastSeen         time.Time `json:"last_seen"`
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	identity := cfg.Identity()

	var services []string
	if !scanAll {
		services = []string{identity.ServiceID}
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context(), logger)
	defer cancel()

	loop := eventloop.New(cfg.Loop.TickInterval, logger)
	radio := goble.NewRadio(ctx, loop.Dispatcher(), nil, logger)
	defer radio.Close()

	results := make(map[string]*scanResult)
	record := func(address, name string, rssi int, data []byte) {
		r, ok := results[address]
		if !ok {
			r = &scanResult{Address: address}
			results[address] = r
			if name != "" {
				printInfo("Found %s %s", address, name)
			}
		}
		if name != "" {
			r.Name = name
		}
		if rssi != 0 {
			r.RSSI = rssi
		}
		if len(data) > 0 {
			r.ManufacturerData = fmt.Sprintf("%x", data)
		}
		r.Match = identity.MatchesName(r.Name)
		r.LastSeen = time.Now()
	}

	scanCtx, stop := context.WithTimeout(ctx, scanDuration)
	defer stop()

	var initErr error
	if err := loop.Post(func() {
		radio.Init(func() {
			radio.Scan(services,
				func(address, name string) { record(address, name, 0, nil) },
				func(address, name string, rssi int, data []byte) { record(address, name, rssi, data) })
		}, func(err error) {
			initErr = &device.HardwareInitError{Err: err}
			stop()
		})
	}); err != nil {
		return err
	}

	printInfo("Scanning for %s...", scanDuration)
	_ = loop.Run(scanCtx)
	radio.StopScan()

	if err := ctx.Err(); err != nil {
		return err
	}
	if initErr != nil {
		return initErr
	}

	sorted := make([]*scanResult, 0, len(results))
	for _, r := range results {
		sorted = append(sorted, r)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })

	if scanFormat == "json" {
		return writeScanJSON(out, sorted)
	}
	printScanTable(out, sorted)
	return nil
}

func writeScanJSON(w io.Writer, results []*scanResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func printScanTable(w io.Writer, results []*scanResult) {
	if len(results) == 0 {
		_, _ = fmt.Fprintln(w, "No devices found.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ADDRESS\tNAME\tRSSI\tMANUFACTURER DATA\tMATCH")
	for _, r := range results {
		match := ""
		if r.Match {
			match = "*"
		}
		rssi := ""
		if r.RSSI != 0 {
			rssi = fmt.Sprintf("%d", r.RSSI)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Address, orDash(r.Name), orDash(rssi), orDash(strings.ToUpper(r.ManufacturerData)), match)
	}
	_ = tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

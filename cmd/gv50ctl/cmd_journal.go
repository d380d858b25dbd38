package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetlink/gv50d/pkg/cli"
	"github.com/fleetlink/gv50d/pkg/wirelog"
)

var (
	journalIMEI      string
	journalIP        string
	journalKind      string
	journalDirection string
	journalType      string
	journalLast      string
	journalLimit     int
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query the wire journal",
	Long: `Query the wire-traffic journal written by gv50d.

The journal records connects, disconnects, allowlist rejects and
dispatched commands; raw frames and ACKs appear when the server runs
with log_incoming / log_outgoing.

Examples:
  gv50ctl journal --imei 865083030049613
  gv50ctl journal --kind command --last 24h
  gv50ctl journal --kind reject --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := wirelog.Filter{
			IMEI:       journalIMEI,
			ClientIP:   journalIP,
			Kind:       wirelog.Kind(journalKind),
			Direction:  wirelog.Direction(journalDirection),
			ReportType: journalType,
			Limit:      journalLimit,
		}

		if journalLast != "" {
			duration, err := time.ParseDuration(journalLast)
			if err != nil {
				return fmt.Errorf("invalid duration: %s", journalLast)
			}
			filter.StartTime = time.Now().Add(-duration)
		}

		entries, err := wirelog.Query(filter)
		if err != nil {
			return fmt.Errorf("querying wire journal: %w", err)
		}

		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(entries)
		}

		if len(entries) == 0 {
			fmt.Println("No journal entries found")
			return nil
		}

		tbl := cli.NewTable("TIMESTAMP", "DIR", "KIND", "IMEI", "CLIENT", "PAYLOAD")
		for _, entry := range entries {
			payload := entry.Payload
			if payload == "" {
				payload = entry.Detail
			}

			tbl.Row(
				entry.Timestamp.Format("2006-01-02 15:04:05"),
				string(entry.Direction),
				string(entry.Kind),
				entry.IMEI,
				entry.ClientIP,
				clip(payload, 64),
			)
		}
		tbl.Flush()

		return nil
	},
}

// clip shortens s for one-line table cells.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func init() {
	journalCmd.Flags().StringVar(&journalIMEI, "imei", "", "Filter by IMEI")
	journalCmd.Flags().StringVar(&journalIP, "ip", "", "Filter by client IP")
	journalCmd.Flags().StringVar(&journalKind, "kind", "", "Filter by kind: frame, ack, command, connect, disconnect, reject")
	journalCmd.Flags().StringVar(&journalDirection, "direction", "", "Filter by direction: rx, tx")
	journalCmd.Flags().StringVar(&journalType, "type", "", "Filter by report type (e.g. GTFRI)")
	journalCmd.Flags().StringVar(&journalLast, "last", "", "Show entries from last duration (e.g. 30m, 24h)")
	journalCmd.Flags().IntVar(&journalLimit, "limit", 100, "Maximum entries to show")
}

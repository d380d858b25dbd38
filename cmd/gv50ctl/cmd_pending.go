package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleetlink/gv50d/pkg/store"
)

var blockCmd = &cobra.Command{
	Use:   "block <imei>",
	Short: "Queue a relay block command for a tracker",
	Long: `Queue a relay block (AT+GTOUT engage) for a tracker.

The flag survives server restarts and device reconnects: gv50d sends the
command on the device's next report and retries every report until the
device acknowledges, then marks the vehicle blocked.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return stagePending(args[0], boolPtr(true), nil,
			"queue relay block (AT+GTOUT engage)")
	},
}

var unblockCmd = &cobra.Command{
	Use:   "unblock <imei>",
	Short: "Queue a relay unblock command for a tracker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return stagePending(args[0], boolPtr(false), nil,
			"queue relay unblock (AT+GTOUT release)")
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate <imei>",
	Short: "Queue a server redirect command for a tracker",
	Long: `Queue a server redirect (AT+GTSRI) pointing the tracker at the
primary and backup addresses from the config file. Used to move devices
to a new ingestion host. A queued block always dispatches first.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		detail := fmt.Sprintf("queue redirect to %s:%d (backup %s:%d)",
			cfg.PrimaryServerIP, cfg.PrimaryServerPort,
			cfg.BackupServerIP, cfg.BackupServerPort)
		return stagePending(args[0], nil, boolPtr(true), detail)
	},
}

var clearPendingCmd = &cobra.Command{
	Use:   "clear-pending <imei>",
	Short: "Abandon queued commands for a tracker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		imei := args[0]
		if err := checkIMEI(imei); err != nil {
			return err
		}

		fmt.Printf("%s %s: clear pending command flags\n", bold(imei), yellow("→"))

		if !executeMode {
			printDryRunNotice()
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close(context.Background())

		if err := store.ClearPending(ctx, st, imei); err != nil {
			return err
		}
		fmt.Println(green("Pending flags cleared."))
		return nil
	},
}

// stagePending is the shared write path of block, unblock and migrate.
func stagePending(imei string, block, ipChange *bool, detail string) error {
	if err := checkIMEI(imei); err != nil {
		return err
	}

	fmt.Printf("%s %s: %s\n", bold(imei), yellow("→"), detail)

	if !executeMode {
		printDryRunNotice()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close(context.Background())

	if err := store.SetPending(ctx, st, imei, block, ipChange); err != nil {
		return err
	}
	fmt.Println(green("Queued. The command dispatches on the device's next report."))
	return nil
}

// checkIMEI guards against typos before a row keyed by the argument is
// created. Queclink IMEIs are 15 decimal digits.
func checkIMEI(imei string) error {
	if len(imei) != 15 {
		return fmt.Errorf("invalid IMEI %q: want 15 digits", imei)
	}
	for _, r := range imei {
		if r < '0' || r > '9' {
			return fmt.Errorf("invalid IMEI %q: want 15 digits", imei)
		}
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }

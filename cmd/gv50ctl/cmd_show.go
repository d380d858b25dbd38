package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetlink/gv50d/pkg/store"
)

var showCmd = &cobra.Command{
	Use:   "show <imei>",
	Short: "Show vehicle state",
	Long: `Show the state row of a vehicle: identity, relay and ignition state,
queued commands, battery, last position and connectivity.

Examples:
  gv50ctl show 865083030049613
  gv50ctl show 865083030049613 --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		imei := args[0]
		if err := checkIMEI(imei); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close(context.Background())

		dev, err := st.LoadDevice(ctx, imei)
		if err != nil {
			return err
		}
		if dev == nil {
			return fmt.Errorf("no vehicle with IMEI %s", imei)
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(dev)
		}

		printDevice(dev)

		if dev.CustomerRef != "" {
			cust, err := st.LoadCustomer(ctx, dev.CustomerRef)
			if err == nil && cust != nil {
				fmt.Println("\nCustomer:")
				if cust.Name != "" {
					fmt.Printf("  Name: %s\n", cust.Name)
				}
				target := "topic " + cfg.DefaultTopic
				if cust.FCMToken != "" {
					target = "device token"
				}
				fmt.Printf("  Alerts: %s\n", target)
			}
		}

		return nil
	},
}

func printDevice(dev *store.Device) {
	fmt.Printf("Vehicle: %s\n", bold(dev.Identifier()))
	fmt.Printf("IMEI: %s\n", dev.IMEI)
	if dev.Plate != "" {
		fmt.Printf("Plate: %s\n", dev.Plate)
	}

	fmt.Println("\nState:")
	if dev.Blocked {
		fmt.Printf("  Relay: %s\n", red("blocked"))
	} else {
		fmt.Printf("  Relay: %s\n", green("free"))
	}
	if dev.IgnitionOn {
		fmt.Printf("  Ignition: %s\n", green("on"))
	} else {
		fmt.Println("  Ignition: off")
	}
	if dev.Moving {
		fmt.Printf("  Motion: moving (code %s)\n", dev.MotionCode)
	} else if dev.MotionCode != "" {
		fmt.Printf("  Motion: stationary (code %s)\n", dev.MotionCode)
	}

	if dev.BlockCmdPending != nil || dev.IPChangePending {
		fmt.Println("\nQueued commands:")
		if dev.BlockCmdPending != nil {
			verb := "unblock"
			if *dev.BlockCmdPending {
				verb = "block"
			}
			fmt.Printf("  %s\n", yellow("relay "+verb+" (awaiting device)"))
		}
		if dev.IPChangePending {
			fmt.Printf("  %s\n", yellow("server redirect (awaiting device)"))
		}
	}

	if dev.BatteryVoltage != nil {
		fmt.Println("\nBattery:")
		volts := fmt.Sprintf("%.1fV", *dev.BatteryVoltage)
		if dev.BatteryLow {
			fmt.Printf("  Voltage: %s\n", red(volts+" (low)"))
		} else {
			fmt.Printf("  Voltage: %s\n", volts)
		}
		if dev.LastBatteryAlertAt != nil {
			fmt.Printf("  Last alert: %s\n", dev.LastBatteryAlertAt.Local().Format("2006-01-02 15:04:05"))
		}
	}

	if dev.Latitude != nil && dev.Longitude != nil {
		fmt.Println("\nPosition:")
		fmt.Printf("  Coordinates: %.6f, %.6f\n", *dev.Latitude, *dev.Longitude)
		if dev.Altitude != nil {
			fmt.Printf("  Altitude: %.1fm\n", *dev.Altitude)
		}
		if dev.Speed != nil {
			fmt.Printf("  Speed: %.1f km/h\n", *dev.Speed)
		}
		if dev.DeviceTS != nil {
			fmt.Printf("  Fixed at: %s\n", dev.DeviceTS.Local().Format("2006-01-02 15:04:05"))
		}
	}

	fmt.Println("\nConnectivity:")
	if dev.ClientIP != "" {
		fmt.Printf("  Source IP: %s\n", dev.ClientIP)
	}
	if dev.LastSeenAt != nil {
		age := time.Since(*dev.LastSeenAt).Round(time.Second)
		fmt.Printf("  Last seen: %s (%s ago)\n",
			dev.LastSeenAt.Local().Format("2006-01-02 15:04:05"), age)
	} else {
		fmt.Println("  Last seen: never")
	}
}

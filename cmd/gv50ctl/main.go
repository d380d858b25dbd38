// gv50ctl — operator CLI for the gv50d tracker fleet
//
// gv50ctl stages commands for trackers by setting pending flags on their
// vehicle rows; the running gv50d server picks the flags up and dispatches
// the actual AT command the next time the device reports in. It also
// inspects vehicle state and the wire journal.
//
// Usage:
//
//	gv50ctl block <imei> -x          Queue a relay block (cut fuel/ignition)
//	gv50ctl unblock <imei> -x        Queue a relay unblock
//	gv50ctl migrate <imei> -x        Queue a server redirect (AT+GTSRI)
//	gv50ctl clear-pending <imei> -x  Abandon queued commands
//	gv50ctl show <imei>              Show vehicle state
//	gv50ctl journal --imei <imei>    Query the wire journal
//
// Write commands preview by default and execute with -x.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetlink/gv50d/pkg/cli"
	"github.com/fleetlink/gv50d/pkg/config"
	"github.com/fleetlink/gv50d/pkg/store"
	"github.com/fleetlink/gv50d/pkg/util"
	"github.com/fleetlink/gv50d/pkg/version"
	"github.com/fleetlink/gv50d/pkg/wirelog"
)

const storeTimeout = 10 * time.Second

var (
	configPath  string
	executeMode bool
	jsonOutput  bool
	verbose     bool

	cfg *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "gv50ctl",
	Short:             "Operator CLI for the gv50d tracker fleet",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `gv50ctl stages tracker commands by marking vehicle rows as pending.
The gv50d server dispatches the matching AT command the next time the
device reports in, and clears the flag once the device acknowledges.

Write commands preview changes by default — use -x to execute.

  gv50ctl block <imei> -x`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		path := configPath
		if path == "" {
			path = os.Getenv("GV50D_CONFIG")
		}
		if path == "" {
			path = "gv50d.yaml"
		}

		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}

		// Quiet by default, verbose on -v.
		if verbose {
			util.SetLogLevel("debug")
		} else {
			util.SetLogLevel("warn")
		}

		if cfg.JournalPath != "" {
			journal, err := wirelog.NewFileJournal(cfg.JournalPath, wirelog.RotationConfig{})
			if err != nil {
				util.Warnf("Could not open wire journal: %v", err)
			} else {
				wirelog.SetDefault(journal)
			}
		}

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default gv50d.yaml, or GV50D_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "JSON output")

	for _, cmd := range []*cobra.Command{blockCmd, unblockCmd, migrateCmd, clearPendingCmd} {
		addWriteFlags(cmd)
		rootCmd.AddCommand(cmd)
	}

	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(journalCmd)
	rootCmd.AddCommand(versionCmd)
}

// addWriteFlags registers -x/--execute as a local flag.
func addWriteFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&executeMode, "execute", "x", false, "Execute changes (default is dry-run)")
}

func printDryRunNotice() {
	if !executeMode {
		fmt.Println("\n" + yellow("DRY-RUN: No changes applied. Use -x to execute."))
	}
}

// openStore connects to the vehicle database named in the config.
func openStore(ctx context.Context) (store.Store, error) {
	return store.NewMongoStore(ctx, cfg.PersistenceURI, cfg.PersistenceDB)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		if version.Version == "dev" {
			fmt.Println("gv50ctl dev build (use 'make build' for version info)")
		} else {
			fmt.Printf("gv50ctl %s (%s)\n", version.Version, version.GitCommit)
		}
	},
}

// Color helpers — delegate to pkg/cli
func green(s string) string  { return cli.Green(s) }
func yellow(s string) string { return cli.Yellow(s) }
func red(s string) string    { return cli.Red(s) }
func bold(s string) string   { return cli.Bold(s) }

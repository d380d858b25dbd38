// gv50d — TCP ingestion server for Queclink GV50 vehicle trackers
//
// gv50d terminates long-lived tracker connections, parses @Track report
// frames, acknowledges every frame, folds reports into per-vehicle state
// in MongoDB, pushes FCM notifications on state transitions, and delivers
// queued relay/redirect commands back to the devices.
//
// Usage:
//
//	gv50d serve                      Run the ingestion server
//	gv50d serve --store memory       Run without MongoDB (state is lost on exit)
//	gv50d version                    Print version information
//
// Configuration is read from a YAML file (--config, default gv50d.yaml if
// present) with GV50D_* environment variables layered on top.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fleetlink/gv50d/pkg/config"
	"github.com/fleetlink/gv50d/pkg/handler"
	"github.com/fleetlink/gv50d/pkg/notify"
	"github.com/fleetlink/gv50d/pkg/server"
	"github.com/fleetlink/gv50d/pkg/store"
	"github.com/fleetlink/gv50d/pkg/util"
	"github.com/fleetlink/gv50d/pkg/version"
	"github.com/fleetlink/gv50d/pkg/wirelog"
)

var (
	configPath string
	logLevel   string
	storeKind  string

	cfg *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "gv50d",
	Short:             "Queclink GV50 tracker ingestion server",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `gv50d ingests @Track report frames from Queclink GV50 vehicle trackers
over long-lived TCP connections, maintains per-vehicle state in MongoDB,
and delivers relay block and server redirect commands queued by gv50ctl.

  gv50d serve --config /etc/gv50d.yaml`,
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

		// --log-level beats the config file.
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if err := util.SetLogLevel(cfg.LogLevel); err != nil {
			return err
		}

		// Wire journal (connects, rejects, dispatched commands; plus raw
		// rx/tx when log_incoming/log_outgoing are set).
		if cfg.JournalPath != "" {
			journal, err := wirelog.NewFileJournal(cfg.JournalPath, wirelog.RotationConfig{
				MaxSize:    int64(cfg.JournalMaxSizeMB) * 1024 * 1024,
				MaxBackups: cfg.JournalMaxBackups,
			})
			if err != nil {
				util.Warnf("Could not initialize wire journal: %v", err)
			} else {
				wirelog.SetDefault(journal)
			}
		}

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default gv50d.yaml, or GV50D_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")

	serveCmd.Flags().StringVar(&storeKind, "store", "mongo", "state backend: mongo or memory")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the TCP ingestion server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close(context.Background())

		gateway, err := openGateway(ctx)
		if err != nil {
			return err
		}

		notifier := notify.NewService(gateway, st, cfg.DefaultTopic)
		srv := server.New(cfg, handler.New(st, notifier, cfg))

		if err := srv.Listen(); err != nil {
			return err
		}
		util.Infof("gv50d %s starting: %s", version.Version, cfg)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		go func() {
			sig := <-sigCh
			util.Infof("received %s, shutting down", sig)
			cancel()
		}()

		return srv.Serve(ctx)
	},
}

// openStore connects the configured state backend. Mongo is the production
// path; memory keeps everything in-process for local runs and demos.
func openStore(ctx context.Context) (store.Store, error) {
	switch storeKind {
	case "memory":
		util.Warn("Using in-memory store: vehicle state will not survive a restart")
		return store.NewMemoryStore(), nil
	case "mongo":
		st, err := store.NewMongoStore(ctx, cfg.PersistenceURI, cfg.PersistenceDB)
		if err != nil {
			return nil, err
		}
		if err := st.EnsureIndexes(ctx); err != nil {
			st.Close(context.Background())
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store %q: use mongo or memory", storeKind)
	}
}

// openGateway returns the FCM gateway when notifications are enabled, and
// the no-op gateway otherwise.
func openGateway(ctx context.Context) (notify.Gateway, error) {
	if !cfg.NotificationsEnabled {
		util.Info("Notifications disabled")
		return notify.NopGateway{}, nil
	}
	gw, err := notify.NewFCMGateway(ctx, cfg.FCMCredentialsPath)
	if err != nil {
		return nil, err
	}
	return gw, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		if version.Version == "dev" {
			fmt.Println("gv50d dev build (use 'make build' for version info)")
		} else {
			fmt.Printf("gv50d %s (%s)\n", version.Version, version.GitCommit)
		}
	},
}

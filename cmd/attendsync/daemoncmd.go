package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fieldops/attendsync/internal/config"
	"github.com/fieldops/attendsync/internal/daemon"
	"github.com/fieldops/attendsync/internal/monitor"
	"github.com/fieldops/attendsync/internal/ui"
)

var daemonUser string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Run the drain and reconcile loops in the foreground until
interrupted. With monitor_addr configured, a websocket endpoint streams
live sync events for dashboards.

Log output goes to stderr, and additionally to a size-rotated file when
log_file is configured.`,
	Run: func(cmd *cobra.Command, args []string) {
		e := openEnv()
		defer e.close()

		userID := e.requireUser(daemonUser)

		logger := daemonLogger(e.cfg.LogFile)

		dcfg := daemon.DefaultConfig()
		dcfg.UserID = userID
		dcfg.DrainInterval = e.cfg.DrainInterval
		dcfg.ReconcileInterval = e.cfg.ReconcileInterval
		dcfg.Logger = logger

		d, err := daemon.New(e.queue, e.engine, e.client, dcfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error starting daemon: %v\n", err)
			os.Exit(1)
		}

		var mon *monitor.Server
		if e.cfg.MonitorAddr != "" {
			mon = monitor.NewServer(e.cfg.MonitorAddr, logger)
			if err := mon.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting monitor: %v\n", err)
				os.Exit(1)
			}
			defer mon.Stop()
			d.SetMonitor(mon)

			// Surface local view refreshes on the event stream too.
			e.store.OnRefresh(func(user, date string) {
				mon.Emit(monitor.EventViewRefreshed, monitor.ViewData{UserID: user, Date: date})
			})
			fmt.Printf("%s monitor listening on %s\n", ui.RenderAccent("◆"), mon.Addr())
		}

		// Config edits take full effect on restart; the daemon holds open
		// handles wired from the old values. A change still triggers an
		// immediate drain so edits to server settings get exercised.
		config.Watch(e.vp, logger, func(next *config.Config) {
			if next.DrainInterval != dcfg.DrainInterval || next.ReconcileInterval != dcfg.ReconcileInterval {
				logger.Printf("Interval changes apply on next daemon restart")
			}
			d.Poke()
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("%s daemon running for %s (drain %s, reconcile %s)\n",
			ui.RenderPass("✓"), userID, dcfg.DrainInterval, dcfg.ReconcileInterval)

		if err := d.Start(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "Error running daemon: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Daemon stopped.")
	},
}

// daemonLogger writes to stderr, teeing into a rotated file when one is
// configured.
func daemonLogger(path string) *log.Logger {
	var w io.Writer = os.Stderr
	if path != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		})
	}
	return log.New(w, "[daemon] ", log.LstdFlags)
}

func init() {
	daemonCmd.Flags().StringVar(&daemonUser, "user", "", "user ID (defaults to configured user)")
	rootCmd.AddCommand(daemonCmd)
}

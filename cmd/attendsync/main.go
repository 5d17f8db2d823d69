// attendsync is the offline-first attendance sync engine CLI.
//
// It keeps a per-device record store consistent with a remote attendance
// server under intermittent connectivity: punches are recorded locally
// first, pushed through a durable sync queue, and server records are
// reconciled in without ever losing a locally recorded event.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fieldops/attendsync/internal/config"
	"github.com/fieldops/attendsync/internal/queue"
	"github.com/fieldops/attendsync/internal/reconcile"
	"github.com/fieldops/attendsync/internal/server"
	"github.com/fieldops/attendsync/internal/shift"
	"github.com/fieldops/attendsync/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "attendsync",
	Short: "Offline-first attendance sync engine",
	Long: `attendsync keeps a per-device attendance store consistent with a
remote server under intermittent connectivity.

Punches are recorded locally first (never lost), pushed through a durable
sync queue with retry and backoff, and server-side records are merged in
with "presence wins, local fields win" semantics.`,
}

// env bundles the wired-up engine components for a CLI invocation.
type env struct {
	cfg    *config.Config
	vp     *viper.Viper
	store  *store.Store
	queue  *queue.Queue
	client *server.HTTPClient
	engine *reconcile.Engine
	shifts *shift.Schedule
}

// openEnv opens the store and wires the engine. Schema initialization
// failures are fatal: the app cannot proceed without a usable store.
func openEnv() *env {
	cfg, vp, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DatabasePath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}

	if err := st.InitSchema(); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
		os.Exit(1)
	}
	if err := st.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error migrating schema: %v\n", err)
		os.Exit(1)
	}

	shifts, err := shift.Load(cfg.ShiftsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading shift schedule: %v\n", err)
		os.Exit(1)
	}

	client := server.NewHTTPClient(cfg.ServerURL, cfg.ServerToken)

	return &env{
		cfg:    cfg,
		vp:     vp,
		store:  st,
		queue:  queue.New(st, nil),
		client: client,
		engine: reconcile.New(st, client, nil),
		shifts: shifts,
	}
}

func (e *env) close() {
	if err := e.store.Close(); err != nil {
		log.Printf("Warning: failed to close store: %v", err)
	}
}

// requireUser resolves the acting user: --user flag first, config second.
func (e *env) requireUser(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if e.cfg.UserID != "" {
		return e.cfg.UserID
	}
	fmt.Fprintf(os.Stderr, "Error: no user configured (set user_id or pass --user)\n")
	os.Exit(1)
	return ""
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldops/attendsync/internal/ui"
)

var (
	pullUser  string
	pullMonth string
)

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Fetch and merge server attendance records",
	Long: `Fetch the user's attendance from the sync server and merge it into
the local store.

The merge never deletes local rows and never overwrites local fields on a
matched punch: server additions are accepted as already-synced records,
local annotations always win. Re-running a pull against an already-merged
store is a no-op.`,
	Run: func(cmd *cobra.Command, args []string) {
		e := openEnv()
		defer e.close()

		userID := e.requireUser(pullUser)

		fmt.Printf("%s Pulling attendance for %s", ui.RenderAccent("🔄"), userID)
		if pullMonth != "" {
			fmt.Printf(" (month %s)", pullMonth)
		}
		fmt.Println("...")

		start := time.Now()
		if err := e.engine.Reconcile(cmd.Context(), userID, pullMonth); err != nil {
			fmt.Fprintf(os.Stderr, "Error during pull: %v\n", err)
			os.Exit(1)
		}

		count, _ := e.store.AttendanceCount(cmd.Context())
		fmt.Printf("%s Merge complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Records: %d\n", count)
	},
}

func init() {
	pullCmd.Flags().StringVar(&pullUser, "user", "", "user ID (defaults to configured user)")
	pullCmd.Flags().StringVar(&pullMonth, "month", "", "restrict to a month (2006-01)")
	rootCmd.AddCommand(pullCmd)
}

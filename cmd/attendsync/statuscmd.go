package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldops/attendsync/internal/record"
	"github.com/fieldops/attendsync/internal/status"
	"github.com/fieldops/attendsync/internal/timeutil"
	"github.com/fieldops/attendsync/internal/ui"
)

var (
	statusUser     string
	statusDate     string
	statusEndOfDay bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show derived attendance status for a day",
	Long: `Derive and display the attendance status, display color, and worked
hours for one day bucket.

Status is recomputed from the stored punches on every invocation; it is
never persisted as the source of truth.`,
	Run: func(cmd *cobra.Command, args []string) {
		e := openEnv()
		defer e.close()

		userID := e.requireUser(statusUser)
		date := statusDate
		if date == "" {
			date = timeutil.TodayUTC()
		}

		records, err := e.store.AttendanceByDay(cmd.Context(), userID, date)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading day records: %v\n", err)
			os.Exit(1)
		}

		window := e.shifts.Lookup(e.cfg.OrgID)
		now := timeutil.NowUTC()

		st := status.Derive(records, window.MinimumHours, now)
		color := status.Colorize(records, window.MinimumHours, statusEndOfDay, now)
		hours := status.WorkedHours(records, now)

		unsynced := 0
		for _, r := range records {
			if r.Synced != record.FlagYes {
				unsynced++
			}
		}

		fmt.Printf("\n%s Attendance for %s on %s\n\n", ui.RenderAccent("📋"), userID, date)
		fmt.Printf("Status: %s\n", renderStatus(st))
		fmt.Printf("Color: %s\n", renderColor(color))
		fmt.Printf("Worked: %.2f h (minimum %.2f h)\n", hours, window.MinimumHours)
		fmt.Printf("Punches: %d (%d awaiting sync)\n", len(records), unsynced)

		for _, r := range records {
			marker := ui.RenderPass("●")
			if r.Synced != record.FlagYes {
				marker = ui.RenderWarn("○")
			}
			fmt.Printf("  %s %-3s %s", marker, r.Direction, timeutil.FormatLocal(r.Timestamp))
			if r.Correction != "" {
				fmt.Printf(" %s", ui.RenderMuted(string(r.Correction)))
			}
			fmt.Println()
		}
		fmt.Println()
	},
}

func renderStatus(st status.Status) string {
	switch st {
	case status.Present:
		return ui.RenderPass(string(st))
	case status.PendingApproval, status.HoursDeficit:
		return ui.RenderWarn(string(st))
	default:
		return ui.RenderFail(string(st))
	}
}

func renderColor(c status.Color) string {
	switch c {
	case status.Green:
		return ui.RenderPass(string(c))
	case status.Yellow:
		return ui.RenderWarn(string(c))
	default:
		return ui.RenderFail(string(c))
	}
}

func init() {
	statusCmd.Flags().StringVar(&statusUser, "user", "", "user ID (defaults to configured user)")
	statusCmd.Flags().StringVar(&statusDate, "date", "", "day bucket (2006-01-02, defaults to today UTC)")
	statusCmd.Flags().BoolVar(&statusEndOfDay, "end-of-day", false, "evaluate with end-of-day rules (enables RED)")
	rootCmd.AddCommand(statusCmd)
}

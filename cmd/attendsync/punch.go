package main

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/fieldops/attendsync/internal/record"
	"github.com/fieldops/attendsync/internal/timeutil"
	"github.com/fieldops/attendsync/internal/ui"
)

var (
	punchUser       string
	punchDirection  string
	punchAt         string
	punchLatLon     string
	punchAddress    string
	punchType       string
	punchCorrection string
)

var punchCmd = &cobra.Command{
	Use:   "punch",
	Short: "Record an attendance punch",
	Long: `Record an IN or OUT punch in the local store.

The punch is written locally first and queued for push to the sync server;
it is never lost to a network outage. Without --direction the punch is
entered interactively.

Manual times via --at accept natural language ("yesterday 9am",
"last friday 17:30") and are tagged as MANUAL_TIME corrections requiring
approval.`,
	Run: func(cmd *cobra.Command, args []string) {
		e := openEnv()
		defer e.close()

		userID := e.requireUser(punchUser)

		direction := punchDirection
		if direction == "" {
			form := huh.NewForm(huh.NewGroup(
				huh.NewSelect[string]().
					Title("Punch direction").
					Options(
						huh.NewOption("Check in", "IN"),
						huh.NewOption("Check out", "OUT"),
					).
					Value(&direction),
			))
			if err := form.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		ts := timeutil.NowUTC()
		correction := parseCorrection(punchCorrection)

		if punchAt != "" {
			parsed, err := parseNaturalTime(punchAt)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing --at %q: %v\n", punchAt, err)
				os.Exit(1)
			}
			ts = parsed
			if correction == record.CorrectionNone {
				correction = record.CorrectionManualTime
			}
		}

		a := &record.Attendance{
			Timestamp:  ts,
			OrgID:      e.cfg.OrgID,
			UserID:     userID,
			PunchType:  punchType,
			Direction:  record.Direction(direction),
			LatLon:     punchLatLon,
			Address:    punchAddress,
			Correction: correction,
		}
		if correction != record.CorrectionNone {
			a.ApprovalRequired = record.FlagYes
		}

		if err := e.store.InsertAttendance(a); err != nil {
			fmt.Fprintf(os.Stderr, "Error recording punch: %v\n", err)
			os.Exit(1)
		}

		// Queue the push; the daemon drains it when the server is
		// reachable.
		if _, err := e.queue.Enqueue(cmd.Context(), "attendance", a.PunchID, "", "create", a); err != nil {
			fmt.Fprintf(os.Stderr, "Error queueing push: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Recorded %s punch for %s at %s\n",
			ui.RenderPass("✓"), direction, userID, timeutil.FormatLocal(ts))
		if correction != record.CorrectionNone {
			fmt.Printf("%s Tagged %s, pending approval\n", ui.RenderWarn("⚠"), correction)
		}
	},
}

// parseNaturalTime resolves a natural-language time expression to UTC epoch
// milliseconds.
func parseNaturalTime(text string) (int64, error) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, time.Now())
	if err != nil {
		return 0, err
	}
	if r == nil {
		return 0, fmt.Errorf("no time expression recognized")
	}
	return r.Time.UTC().UnixMilli(), nil
}

// parseCorrection maps the CLI flag to a correction tag.
func parseCorrection(flag string) record.Correction {
	switch flag {
	case "forgot-checkout":
		return record.CorrectionForgotCheckout
	case "manual-time":
		return record.CorrectionManualTime
	default:
		return record.CorrectionNone
	}
}

func init() {
	punchCmd.Flags().StringVar(&punchUser, "user", "", "user ID (defaults to configured user)")
	punchCmd.Flags().StringVar(&punchDirection, "direction", "", "punch direction: IN or OUT")
	punchCmd.Flags().StringVar(&punchAt, "at", "", "punch time, natural language (tags a MANUAL_TIME correction)")
	punchCmd.Flags().StringVar(&punchLatLon, "lat-lon", "", "resolved coordinate string")
	punchCmd.Flags().StringVar(&punchAddress, "address", "", "resolved address string")
	punchCmd.Flags().StringVar(&punchType, "type", "", "punch type")
	punchCmd.Flags().StringVar(&punchCorrection, "correction", "", "correction tag: forgot-checkout or manual-time")
	rootCmd.AddCommand(punchCmd)
}

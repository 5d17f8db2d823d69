package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fieldops/attendsync/internal/queue"
	"github.com/fieldops/attendsync/internal/timeutil"
	"github.com/fieldops/attendsync/internal/ui"
)

var queueShowDead bool

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and operate the sync queue",
	Long: `List pending or dead queue entries. Subcommands drain the queue
against the server or revive dead entries.`,
	Run: func(cmd *cobra.Command, args []string) {
		e := openEnv()
		defer e.close()

		var (
			entries []queue.Entry
			err     error
		)
		if queueShowDead {
			entries, err = e.queue.Dead(cmd.Context())
		} else {
			entries, err = e.queue.Pending(cmd.Context())
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing queue: %v\n", err)
			os.Exit(1)
		}

		if len(entries) == 0 {
			fmt.Println("Queue is empty.")
			return
		}

		fmt.Printf("%-6s %-12s %-38s %-10s %-8s %s\n", "ID", "TYPE", "ENTITY", "OP", "TRIES", "NEXT RETRY")
		for _, en := range entries {
			next := "-"
			if en.Status == queue.StatusPending && en.NextRetryAt > 0 {
				next = timeutil.FormatLocal(en.NextRetryAt)
			}
			line := fmt.Sprintf("%-6d %-12s %-38s %-10s %-8d %s", en.ID, en.Type, en.EntityID, en.Operation, en.Attempts, next)
			if en.Status == queue.StatusDead {
				line = ui.RenderFail(line)
			}
			fmt.Println(line)
		}
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Push pending mutations to the server now",
	Run: func(cmd *cobra.Command, args []string) {
		e := openEnv()
		defer e.close()

		result, err := e.queue.DrainOnce(cmd.Context(), e.client)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error draining queue: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s pushed %d, failed %d, dead-lettered %d\n",
			ui.RenderAccent("Drain:"), result.Pushed, result.Failed, result.Dead)
		if result.Failed > 0 {
			fmt.Println(ui.RenderMuted("Failed entries stay queued and retry with backoff."))
		}
	},
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Move a dead entry back to pending",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid entry ID %q\n", args[0])
			os.Exit(1)
		}

		e := openEnv()
		defer e.close()

		if err := e.queue.Requeue(cmd.Context(), id); err != nil {
			fmt.Fprintf(os.Stderr, "Error requeueing entry %d: %v\n", id, err)
			os.Exit(1)
		}
		fmt.Printf("%s entry %d is pending again\n", ui.RenderPass("✓"), id)
	},
}

func init() {
	queueCmd.Flags().BoolVar(&queueShowDead, "dead", false, "list dead-lettered entries instead of pending")
	queueCmd.AddCommand(queueDrainCmd)
	queueCmd.AddCommand(queueRequeueCmd)
	rootCmd.AddCommand(queueCmd)
}

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fieldops/attendsync/internal/record"
)

var (
	exportUser   string
	exportMonth  string
	exportFormat string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored attendance records",
	Long: `Write a user's attendance records to stdout as YAML or JSON,
newest first. Useful for backups and for feeding external reporting
tools.`,
	Run: func(cmd *cobra.Command, args []string) {
		if exportFormat != "yaml" && exportFormat != "json" {
			fmt.Fprintf(os.Stderr, "Error: unknown format %q (want yaml or json)\n", exportFormat)
			os.Exit(1)
		}

		e := openEnv()
		defer e.close()

		userID := e.requireUser(exportUser)

		records, err := e.store.AttendanceByUserContext(cmd.Context(), userID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading records: %v\n", err)
			os.Exit(1)
		}

		if exportMonth != "" {
			filtered := records[:0]
			for _, r := range records {
				if strings.HasPrefix(r.DateOfPunch, exportMonth) {
					filtered = append(filtered, r)
				}
			}
			records = filtered
		}

		if err := writeExport(os.Stdout, records, exportFormat); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding records: %v\n", err)
			os.Exit(1)
		}
	},
}

func writeExport(w *os.File, records []record.Attendance, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(records)
}

func init() {
	exportCmd.Flags().StringVar(&exportUser, "user", "", "user ID (defaults to configured user)")
	exportCmd.Flags().StringVar(&exportMonth, "month", "", "restrict to one month (2006-01)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "yaml", "output format: yaml or json")
	rootCmd.AddCommand(exportCmd)
}

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/leasesync/leasesync/pkg/listing"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Print the sync log, newest run first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")
		details, _ := cmd.Flags().GetBool("details")

		ctx := context.Background()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		runs, err := store.ListRuns(ctx, limit)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(runs)
		}
		if len(runs) == 0 {
			fmt.Println("No sync runs recorded yet.")
			return nil
		}
		printRuns(runs)
		if details {
			for _, r := range runs {
				printRunDetails(r)
			}
		}
		return nil
	},
}

func printRuns(runs []listing.SyncRun) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tTRIGGER\tSCOPE\tSTATUS\tSCANNED\tUPDATED\tMF\tRV\tFAILED\tMISSING\tDURATION\tID")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Trigger, r.Scope.Kind, r.Status,
			r.Counts.DealsScannedCount, r.Counts.DealsUpdatedCount,
			r.Counts.MFChangeCount, r.Counts.RVChangeCount,
			r.Counts.FetchFailureCount, r.MissingFieldCount,
			r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond), r.ID)
	}
	w.Flush()
}

func printRunDetails(r listing.SyncRun) {
	if len(r.UpdatedIdentities) == 0 && len(r.FailedIdentities) == 0 {
		return
	}
	fmt.Printf("\n--> %s (%s)\n", r.ID, r.Trigger)
	if len(r.UpdatedIdentities) > 0 {
		fmt.Printf("  updated: %s\n", strings.Join(r.UpdatedIdentities, "\n           "))
	}
	if len(r.FailedIdentities) > 0 {
		fmt.Printf("  failed:  %s\n", strings.Join(r.FailedIdentities, "\n           "))
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.Flags().IntP("limit", "n", 20, "Number of runs to print")
	runsCmd.Flags().Bool("details", false, "Also print the updated and failed identities of each run")
	runsCmd.Flags().Bool("json", false, "Print runs as JSON")
}

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/leasesync/leasesync/internal/utils"
	"github.com/leasesync/leasesync/pkg/listing"
	"github.com/leasesync/leasesync/pkg/scheduler"
)

var trackCmd = &cobra.Command{
	Use:   "track <brand> <model> <url>",
	Short: "Start tracking a lease listing",
	Long: `Enrolls a listing page. The deal is fetched in full on the next run,
or right away with --sync.`,
	Example: `  leasesync track Kia EV6 https://www.example.com/kia/ev6-wind --trim Wind`,
	Args:    cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		trim, _ := cmd.Flags().GetString("trim")
		syncNow, _ := cmd.Flags().GetBool("sync")

		id, err := listing.NewIdentity(args[0], args[1], trim, args[2])
		if err != nil {
			return err
		}

		ctx := context.Background()
		a, err := newApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		created, err := a.store.Track(ctx, id, time.Now())
		if err != nil {
			return err
		}
		if created {
			fmt.Printf("Tracking %s\n  key: %s\n", id, id.Key())
		} else {
			fmt.Printf("%s is already tracked\n", id)
		}
		if !syncNow {
			return nil
		}

		utils.Log.Infof("Fetching %s", id.URL)
		run, err := a.sched.Run(ctx, scheduler.Request{
			Scope:   listing.Scope{Kind: listing.ScopeTargeted, Identities: []string{id.Key()}},
			Trigger: listing.TriggerManual,
			Force:   true,
		})
		if run.ID != "" {
			printRuns([]listing.SyncRun{run})
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(trackCmd)
	trackCmd.Flags().String("trim", "", "Trim level, e.g. \"Wind AWD\"")
	trackCmd.Flags().Bool("sync", false, "Fetch the listing right away")
}

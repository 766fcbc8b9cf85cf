package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/leasesync/leasesync/pkg/listing"
	"github.com/leasesync/leasesync/pkg/scheduler"
	"github.com/leasesync/leasesync/pkg/storage"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync now",
	Long: `Runs a manual sync and waits for it to finish. Without --listing every
tracked deal is considered; with --listing only the given deals are. A
listing is given by its identity key or by its page URL.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		listings, _ := cmd.Flags().GetStringSlice("listing")
		force, _ := cmd.Flags().GetBool("force")
		recheck, _ := cmd.Flags().GetBool("recheck")

		if len(listings) > 0 && recheck {
			return fmt.Errorf("--listing and --recheck cannot be used together")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		req := scheduler.Request{
			Scope:   listing.Scope{Kind: listing.ScopeFull},
			Trigger: listing.TriggerManual,
			Force:   force,
		}
		switch {
		case len(listings) > 0:
			keys, err := resolveListings(ctx, a.store, listings)
			if err != nil {
				return err
			}
			req.Scope = listing.Scope{Kind: listing.ScopeTargeted, Identities: keys}
		case recheck:
			req.Scope = listing.Scope{Kind: listing.ScopeRecheck}
		}

		run, err := a.sched.Run(ctx, req)
		if run.ID != "" {
			printRuns([]listing.SyncRun{run})
		}
		return err
	},
}

// resolveListings maps identity keys or listing URLs to identity keys.
func resolveListings(ctx context.Context, store storage.Store, refs []string) ([]string, error) {
	ids, err := store.ListIdentities(ctx)
	if err != nil {
		return nil, err
	}
	byURL := make(map[string][]string)
	byKey := make(map[string]bool, len(ids))
	for _, id := range ids {
		byURL[id.URL] = append(byURL[id.URL], id.Key())
		byKey[id.Key()] = true
	}

	var keys []string
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if byKey[ref] {
			keys = append(keys, ref)
			continue
		}
		matches := byURL[listing.NormalizeURL(ref)]
		if len(matches) == 0 {
			return nil, fmt.Errorf("no tracked listing matches %q", ref)
		}
		keys = append(keys, matches...)
	}
	return keys, nil
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().StringSlice("listing", nil, "Identity key or listing URL to sync (repeatable)")
	syncCmd.Flags().Bool("force", false, "Fetch the given listings in full even if they are fresh or cooling down")
	syncCmd.Flags().Bool("recheck", false, "Only run the lightweight recheck instead of a full scan")
}

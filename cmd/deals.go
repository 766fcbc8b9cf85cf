package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/leasesync/leasesync/pkg/listing"
	"github.com/leasesync/leasesync/pkg/storage"
)

var dealsCmd = &cobra.Command{
	Use:   "deals",
	Short: "List tracked deals",
	RunE: func(cmd *cobra.Command, args []string) error {
		cooling, _ := cmd.Flags().GetBool("cooling")
		source, _ := cmd.Flags().GetString("source")
		asJSON, _ := cmd.Flags().GetBool("json")

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

		opts := storage.ListOptions{Source: source}
		if cooling {
			opts.CoolingAt = time.Now()
		}
		deals, err := store.ListDeals(ctx, opts)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(deals)
		}
		if len(deals) == 0 {
			fmt.Println("No deals found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DEAL\tPRICE\tTERM\tMONEY FACTORS\tRESIDUAL\tLAST SUCCESS\tFAILURES\tELIGIBLE\tMISSING")
		for _, d := range deals {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				d.Identity, nullDec(d.Terms.Price.Valid, d.Terms.Price.Decimal.StringFixed(2)),
				term(d.Terms.TermMonths), moneyFactors(d.Terms),
				nullDec(d.Terms.ResidualPercent.Valid, d.Terms.ResidualPercent.Decimal.String()+"%"),
				when(d.LastSuccessAt), d.ConsecutiveFailures, eligible(d.NextEligibleAt),
				strings.Join(d.MissingFields, ","))
		}
		w.Flush()
		return nil
	},
}

func nullDec(valid bool, s string) string {
	if !valid {
		return "-"
	}
	return s
}

func term(months int) string {
	if months == 0 {
		return "-"
	}
	return fmt.Sprintf("%dmo", months)
}

func moneyFactors(t listing.Terms) string {
	tiers := t.Tiers()
	if len(tiers) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(tiers))
	for _, tier := range tiers {
		parts = append(parts, tier+"="+t.MoneyFactors[tier].String())
	}
	return strings.Join(parts, " ")
}

func when(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func eligible(t time.Time) string {
	if t.IsZero() || !t.After(time.Now()) {
		return "now"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func init() {
	rootCmd.AddCommand(dealsCmd)
	dealsCmd.Flags().Bool("cooling", false, "Only list deals in a post-failure cooldown")
	dealsCmd.Flags().String("source", "", "Only list deals from this source domain")
	dealsCmd.Flags().Bool("json", false, "Print deals as JSON")
}

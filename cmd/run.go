package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/leasesync/leasesync/internal/server"
	"github.com/leasesync/leasesync/internal/utils"
	"github.com/leasesync/leasesync/pkg/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: `Runs the daily full scan and the hourly lightweight recheck until
interrupted. Unless --no-server is given, the review API and /metrics are
served on server.listen.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		noServer, _ := cmd.Flags().GetBool("no-server")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		a, err := newApp(ctx, reg)
		if err != nil {
			return err
		}
		defer a.Close()

		hour, minute := a.cfg.Sync.DailyAt()
		cadence := scheduler.Cadence{Hour: hour, Minute: minute, Hourly: a.cfg.Sync.HourlyRecheck}
		next := cadence.Next(time.Now())
		utils.Log.Infof("Daily scan at %02d:%02d, hourly recheck %v; next %s run at %s",
			hour, minute, a.cfg.Sync.HourlyRecheck, next.Kind, next.At.Format("2006-01-02 15:04"))

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return a.sched.Start(ctx, cadence)
		})
		if !noServer {
			srv := server.New(a.store, a.sched, a.cfg.Server.User, a.cfg.Server.Password)
			srv.Log = utils.Log
			srv.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
			g.Go(func() error {
				return srv.Start(ctx, a.cfg.Server.Listen)
			})
		}

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		utils.Log.Info("Shutting down")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Bool("no-server", false, "Do not serve the review API and metrics")
}

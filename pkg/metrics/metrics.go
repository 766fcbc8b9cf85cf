// Package metrics exposes Prometheus collectors for fetches and sync runs.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/leasesync/leasesync/pkg/fetch"
	"github.com/leasesync/leasesync/pkg/listing"
)

const namespace = "leasesync"

// Recorder implements fetch.Observer and records run outcomes.
type Recorder struct {
	fetchAttempts  *prometheus.CounterVec
	fetchDurations *prometheus.HistogramVec
	fetchesActive  prometheus.Gauge
	runs           *prometheus.CounterVec
	runDurations   *prometheus.HistogramVec
	runChanges     *prometheus.CounterVec
	coolingDeals   prometheus.Gauge
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// to expose them on the default /metrics handler.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		fetchAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Fetch attempts by kind and outcome",
		}, []string{"kind", "outcome"}),
		fetchDurations: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of single fetch attempts",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		fetchesActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fetches_in_flight",
			Help:      "Fetch attempts currently in flight",
		}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Finished sync runs by trigger and status",
		}, []string{"trigger", "status"}),
		runDurations: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_run_duration_seconds",
			Help:      "Wall time of sync runs",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}, []string{"trigger"}),
		runChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_changes_total",
			Help:      "Detected changes by kind",
		}, []string{"kind"}),
		coolingDeals: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cooling_deals",
			Help:      "Deals currently in a post-failure cooldown",
		}),
	}
}

func (r *Recorder) FetchStarted() {
	r.fetchesActive.Inc()
}

func (r *Recorder) FetchFinished(kind listing.FetchKind, err error, took time.Duration) {
	r.fetchesActive.Dec()
	r.fetchAttempts.WithLabelValues(string(kind), Outcome(err)).Inc()
	r.fetchDurations.WithLabelValues(string(kind)).Observe(took.Seconds())
}

// RunFinished records a persisted run.
func (r *Recorder) RunFinished(run listing.SyncRun) {
	r.runs.WithLabelValues(string(run.Trigger), string(run.Status)).Inc()
	r.runDurations.WithLabelValues(string(run.Trigger)).Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())
	r.runChanges.WithLabelValues("money_factor").Add(float64(run.Counts.MFChangeCount))
	r.runChanges.WithLabelValues("residual").Add(float64(run.Counts.RVChangeCount))
	r.runChanges.WithLabelValues("deal_updated").Add(float64(run.Counts.DealsUpdatedCount))
	r.runChanges.WithLabelValues("fetch_failure").Add(float64(run.Counts.FetchFailureCount))
}

// SetCooling sets the number of deals in cooldown.
func (r *Recorder) SetCooling(n int) {
	r.coolingDeals.Set(float64(n))
}

// Outcome maps a fetch error to its metric label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, fetch.ErrFetchTimeout):
		return "timeout"
	case errors.Is(err, fetch.ErrExtraction):
		return "extraction"
	case errors.Is(err, fetch.ErrFetchTransport):
		return "transport"
	}
	return "error"
}

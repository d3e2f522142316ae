// Package metrics holds the run counters and exports them in the
// Prometheus text format for the node_exporter textfile collector.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the sync metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	MessagesFetched *prometheus.CounterVec
	MessagesSkipped *prometheus.CounterVec
	FoldersSkipped  *prometheus.CounterVec
	AccountFailures *prometheus.CounterVec
	LastSuccess     *prometheus.GaugeVec
	AccountDuration *prometheus.HistogramVec
}

// New creates the metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		MessagesFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsync_messages_fetched_total",
				Help: "Messages fetched and decomposed",
			},
			[]string{"account"},
		),

		MessagesSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsync_messages_skipped_total",
				Help: "Messages found but not fetched or not decodable",
			},
			[]string{"account"},
		),

		FoldersSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsync_folders_skipped_total",
				Help: "Folders that could not be searched or fetched",
			},
			[]string{"account"},
		),

		AccountFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsync_account_failures_total",
				Help: "Account runs that ended with a fatal error",
			},
			[]string{"account", "kind"},
		),

		LastSuccess: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mailsync_last_success_timestamp_seconds",
				Help: "Start time of the last successful run per account",
			},
			[]string{"account"},
		),

		AccountDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailsync_account_duration_seconds",
				Help:    "Time spent syncing one account",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			},
			[]string{"account"},
		),
	}
}

// Registry returns the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveSuccess records a completed account run.
func (m *Metrics) ObserveSuccess(account string, started time.Time, took time.Duration, fetched, skipped, foldersSkipped int) {
	m.MessagesFetched.WithLabelValues(account).Add(float64(fetched))
	m.MessagesSkipped.WithLabelValues(account).Add(float64(skipped))
	m.FoldersSkipped.WithLabelValues(account).Add(float64(foldersSkipped))
	m.LastSuccess.WithLabelValues(account).Set(float64(started.Unix()))
	m.AccountDuration.WithLabelValues(account).Observe(took.Seconds())
}

// ObserveFailure records an account run that ended with a fatal error
// of the given kind.
func (m *Metrics) ObserveFailure(account, kind string, took time.Duration) {
	m.AccountFailures.WithLabelValues(account, kind).Inc()
	m.AccountDuration.WithLabelValues(account).Observe(took.Seconds())
}

// WriteTextfile writes all metrics to path atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}

// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "earnbot_ticks_total",
			Help: "Notifier ticks by outcome.",
		},
		[]string{"outcome"}, // ok, error, skipped
	)

	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "earnbot_tick_duration_seconds",
			Help:    "Wall time of one notifier tick.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
	)

	OpportunitiesSeen = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "earnbot_opportunities_seen_total",
			Help: "Opportunities picked up by ticks and triggers.",
		},
		[]string{"category"},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "earnbot_deliveries_total",
			Help: "Per-recipient delivery attempts by result.",
		},
		[]string{"result"}, // sent, duplicate, unreachable, failed
	)

	Skipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "earnbot_filter_skipped_total",
			Help: "Recipients filtered out, by reason.",
		},
		[]string{"reason"},
	)

	ExternalCheckErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "earnbot_external_check_errors_total",
			Help: "External eligibility lookups that failed open.",
		},
	)
)

func ObserveTick(outcome string, d time.Duration) {
	TicksTotal.WithLabelValues(outcome).Inc()
	if outcome != "skipped" {
		TickDuration.Observe(d.Seconds())
	}
}

func IncDelivery(result string)      { Deliveries.WithLabelValues(result).Inc() }
func IncSkipped(reason string)       { Skipped.WithLabelValues(reason).Inc() }
func IncOpportunity(category string) { OpportunitiesSeen.WithLabelValues(category).Inc() }

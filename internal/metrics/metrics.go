package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FanOutDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "timeline_fanout_deliveries_total",
		Help: "Per-recipient feed insertions performed by fan-out.",
	}, []string{"feed_type"})

	FanOutSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timeline_fanout_skips_total",
		Help: "Recipients skipped by the visibility filter during fan-out.",
	})

	FanOutFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timeline_fanout_failures_total",
		Help: "Per-recipient deliveries that exhausted their retries.",
	})

	FanOutDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "timeline_fanout_duration_seconds",
		Help:    "Wall time of one event's full fan-out.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	FeedReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "timeline_feed_reads_total",
		Help: "Feed page reads by path taken.",
	}, []string{"feed", "path"}) // path: hot | cold

	StoreEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timeline_store_evictions_total",
		Help: "Entries evicted from bounded feed collections.",
	})

	Precomputes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timeline_precomputes_total",
		Help: "Full feed rebuilds from the relational store.",
	})
)

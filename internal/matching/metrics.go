package matching

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	matchRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echofind_match_runs_total",
		Help: "Match searches started",
	})
	matchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "echofind_match_duration_seconds",
		Help:    "Time spent in a full match search",
		Buckets: prometheus.DefBuckets,
	})
	matchCandidates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "echofind_match_candidates_total",
		Help: "Candidates surfaced, by pass",
	}, []string{"pass"})
	passFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "echofind_match_pass_failures_total",
		Help: "Pass failures that were logged and skipped, by pass",
	}, []string{"pass"})
	extractorDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "echofind_extractor_duration_seconds",
		Help:    "Identifier extractor latency",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
	})
	dispatchDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echofind_match_dispatch_dropped_total",
		Help: "Match jobs dropped because the queue was full or closed",
	})
)

// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RefreshPushes counts records pushed to parents by strategy.
	RefreshPushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treecast_refresh_pushes_total",
		Help: "Metadata records pushed to parents, by strategy",
	}, []string{"strategy"})

	// RefreshBatchSize tracks how many topics share one piggybacked push.
	RefreshBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "treecast_refresh_batch_size",
		Help:    "Topics per piggybacked metadata push",
		Buckets: []float64{1, 2, 5, 10, 25, 50},
	})

	// InvariantViolations counts protocol invariant violations by site.
	InvariantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treecast_invariant_violations_total",
		Help: "Protocol invariant violations that dropped a topic or batch",
	}, []string{"site"})

	// AnycastVisits counts anycast visits by outcome.
	AnycastVisits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treecast_anycast_visits_total",
		Help: "Anycast visits handled, by outcome",
	}, []string{"outcome"})

	// AdmissionDecisions counts candidate checks by result.
	AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treecast_admission_decisions_total",
		Help: "Candidate admission checks, by result",
	}, []string{"result"})

	// ChildUpdates counts metadata updates received from children.
	ChildUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treecast_child_updates_total",
		Help: "Metadata updates received from children, by kind",
	}, []string{"kind"})

	// SendFailures counts fire-and-forget sends that failed.
	SendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treecast_send_failures_total",
		Help: "Failed outbound messages, by method",
	}, []string{"method"})

	// LoopQueueDepth is the number of tasks waiting on the control loop.
	LoopQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "treecast_loop_queue_depth",
		Help: "Tasks waiting on the control loop",
	})

	// LoopRejected counts tasks rejected because the loop queue was full.
	LoopRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treecast_loop_rejected_total",
		Help: "Tasks rejected because the control loop queue was full",
	})
)

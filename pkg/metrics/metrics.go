// Package metrics defines the Prometheus instrumentation for the node.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors the node updates. Components receive a
// *Metrics at construction; Nop() provides unregistered collectors for
// tests and for nodes with metrics disabled.
type Metrics struct {
	// TasksProcessed counts worker iterations by task kind and outcome
	// (ok, dropped, fatal).
	TasksProcessed *prometheus.CounterVec
	// Transfers counts outbound transfer jobs by result
	// (queued, completed, aborted).
	Transfers *prometheus.CounterVec
	// PolicyRejects counts routing-decision rejections by rule.
	PolicyRejects *prometheus.CounterVec
	// QueueDepth tracks the task queue backlog.
	QueueDepth prometheus.Gauge
	// Neighbors tracks the neighbor database size.
	Neighbors prometheus.Gauge
	// StoredBundles tracks the bundle store size.
	StoredBundles prometheus.Gauge
}

// New builds the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TasksProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dtnmesh", Subsystem: "routing", Name: "tasks_processed_total",
			Help: "Routing tasks consumed by the worker, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		Transfers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dtnmesh", Subsystem: "cla", Name: "transfers_total",
			Help: "Outbound transfer jobs, by result.",
		}, []string{"result"}),
		PolicyRejects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dtnmesh", Subsystem: "routing", Name: "policy_rejections_total",
			Help: "Routing-decision rejections, by rule.",
		}, []string{"rule"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "dtnmesh", Subsystem: "routing", Name: "queue_depth",
			Help: "Tasks waiting in the routing queue.",
		}),
		Neighbors: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "dtnmesh", Subsystem: "neighbor", Name: "entries",
			Help: "Entries in the neighbor database.",
		}),
		StoredBundles: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "dtnmesh", Subsystem: "storage", Name: "bundles",
			Help: "Bundles currently held in storage.",
		}),
	}
}

// Nop returns collectors that record into the void.
func Nop() *Metrics { return New(nil) }

// NewServer builds the exposition HTTP server for g.
func NewServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Package metrics exposes Prometheus instrumentation for graph builds,
// maintenance and retrieval. A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "docgraph"

// Collector holds the registered metric vectors.
type Collector struct {
	gatherer prometheus.Gatherer

	builds        *prometheus.CounterVec
	buildDuration prometheus.Histogram
	nodesCreated  prometheus.Counter
	edgesUpserted *prometheus.CounterVec

	searches       *prometheus.CounterVec
	legFailures    *prometheus.CounterVec
	searchDuration prometheus.Histogram

	edgesPruned prometheus.Counter
}

// New registers the collector's metrics on reg. A nil reg gets a fresh
// registry, which Gatherer then exposes.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "builds_total",
			Help:      "Graph builds by outcome.",
		}, []string{"outcome"}),
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "build_duration_seconds",
			Help:      "Wall time of graph builds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		nodesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "nodes_created_total",
			Help:      "Knowledge nodes created by builds.",
		}),
		edgesUpserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "edges_upserted_total",
			Help:      "Edge observations written, by relationship type.",
		}, []string{"relationship_type"}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "searches_total",
			Help:      "Searches by result mode.",
		}, []string{"mode"}),
		legFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "leg_failures_total",
			Help:      "Failed retrieval legs.",
		}, []string{"leg"}),
		searchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "search_duration_seconds",
			Help:      "Wall time of searches.",
			Buckets:   prometheus.DefBuckets,
		}),
		edgesPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "edges_pruned_total",
			Help:      "Edges deleted by pruning.",
		}),
	}

	if reg == nil {
		r := prometheus.NewRegistry()
		reg = r
		c.gatherer = r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}

	for _, col := range []prometheus.Collector{
		c.builds, c.buildDuration, c.nodesCreated, c.edgesUpserted,
		c.searches, c.legFailures, c.searchDuration, c.edgesPruned,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Gatherer returns the registry metrics were registered on, when it can be
// gathered.
func (c *Collector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// BuildFinished records one graph build.
func (c *Collector) BuildFinished(outcome string, d time.Duration, nodesCreated int) {
	if c == nil {
		return
	}
	c.builds.WithLabelValues(outcome).Inc()
	c.buildDuration.Observe(d.Seconds())
	c.nodesCreated.Add(float64(nodesCreated))
}

// EdgeUpserted records one edge observation.
func (c *Collector) EdgeUpserted(relationshipType string) {
	if c == nil {
		return
	}
	c.edgesUpserted.WithLabelValues(relationshipType).Inc()
}

// SearchFinished records one search and the mode it resolved to.
func (c *Collector) SearchFinished(mode string, d time.Duration) {
	if c == nil {
		return
	}
	c.searches.WithLabelValues(mode).Inc()
	c.searchDuration.Observe(d.Seconds())
}

// LegFailed records a failed retrieval leg.
func (c *Collector) LegFailed(leg string) {
	if c == nil {
		return
	}
	c.legFailures.WithLabelValues(leg).Inc()
}

// EdgesPruned records edges deleted by pruning.
func (c *Collector) EdgesPruned(n int) {
	if c == nil {
		return
	}
	c.edgesPruned.Add(float64(n))
}

// Package metrics exposes the engine's Prometheus instrumentation. All
// collectors register on the default registry at init time and are safe for
// use from the start of the process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RulesLoaded counts rules successfully parsed and stored, by status.
	RulesLoaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleforge_rules_loaded_total",
		Help: "Detection rules loaded into the engine, labeled by rule status.",
	}, []string{"status"})

	// RuleLoadFailures counts rule documents rejected at parse or compile
	// time.
	RuleLoadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleforge_rule_load_failures_total",
		Help: "Rule documents rejected during loading, labeled by failure stage.",
	}, []string{"stage"})

	// EventsEvaluated counts events pushed through matching.
	EventsEvaluated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ruleforge_events_evaluated_total",
		Help: "Events evaluated against the loaded rule set.",
	})

	// Matches counts rule firings, by rule severity level.
	Matches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleforge_matches_total",
		Help: "Rule matches produced, labeled by rule level.",
	}, []string{"level"})

	// PrefilterSkips counts rule evaluations avoided by the literal
	// quick-reject stage.
	PrefilterSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ruleforge_prefilter_skips_total",
		Help: "Rule evaluations skipped by the literal prefilter.",
	})

	// MatchDuration observes per-event matching latency.
	MatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ruleforge_match_duration_seconds",
		Help:    "Wall time spent matching one event against the rule set.",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	})

	// LazyCompiles counts rules compiled on first use in lazy mode.
	LazyCompiles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ruleforge_lazy_compiles_total",
		Help: "Rules compiled on demand by the lazy store.",
	})
)

// Package metrics – Prometheus counters and gauges for securityd.
//
// # Overview
//
// All metrics are registered against a private [prometheus.Registry] (not
// the global default), so these metric names never collide with anything
// registered on the default registry. Handler returns an [net/http.Handler]
// serving the registry in the standard Prometheus text exposition format;
// wire it into the REST mux at /metrics:
//
//	http.Handle("/metrics", metrics.Handler())
//
// # Metric catalogue
//
//	rule_evaluations_total{rule_id}      – counter: times a rule's Evaluate was invoked
//	rule_matches_total{rule_id}          – counter: evaluations that matched
//	rule_timeouts_total{rule_id}         – counter: evaluations that exceeded the deadline
//	rule_errors_total{rule_id}           – counter: evaluations that returned an error
//	queue_depth{kind}                    – gauge:   jobs currently waiting, by kind
//	queue_jobs_failed_total{kind}        – counter: jobs that exhausted their retries, by kind
//	log_entries_total                    – counter: log entries appended to the store
//	chain_verify_failures_total          – counter: hash chain breaks detected
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	ruleEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_evaluations_total",
			Help: "Total number of rule evaluations, by rule ID.",
		},
		[]string{"rule_id"},
	)

	ruleMatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_matches_total",
			Help: "Total number of rule evaluations that matched, by rule ID.",
		},
		[]string{"rule_id"},
	)

	ruleTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_timeouts_total",
			Help: "Total number of rule evaluations that exceeded the evaluation deadline, by rule ID.",
		},
		[]string{"rule_id"},
	)

	ruleErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_errors_total",
			Help: "Total number of rule evaluations that returned an error, by rule ID.",
		},
		[]string{"rule_id"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of jobs currently waiting in the ingestion queue, by kind.",
		},
		[]string{"kind"},
	)

	queueJobsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_failed_total",
			Help: "Total number of queue jobs that exhausted their retries, by kind.",
		},
		[]string{"kind"},
	)

	logEntriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "log_entries_total",
			Help: "Total number of log entries appended to the store.",
		},
	)

	chainVerifyFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chain_verify_failures_total",
			Help: "Total number of hash chain breaks detected by an integrity check.",
		},
	)
)

func init() {
	registry.MustRegister(
		ruleEvaluations,
		ruleMatches,
		ruleTimeouts,
		ruleErrors,
		queueDepth,
		queueJobsFailed,
		logEntriesTotal,
		chainVerifyFailures,
	)
}

// RecordRuleEvaluation increments rule_evaluations_total for ruleID.
func RecordRuleEvaluation(ruleID string) {
	ruleEvaluations.WithLabelValues(ruleID).Inc()
}

// RecordRuleMatch increments rule_matches_total for ruleID.
func RecordRuleMatch(ruleID string) {
	ruleMatches.WithLabelValues(ruleID).Inc()
}

// RecordRuleTimeout increments rule_timeouts_total for ruleID.
func RecordRuleTimeout(ruleID string) {
	ruleTimeouts.WithLabelValues(ruleID).Inc()
}

// RecordRuleError increments rule_errors_total for ruleID.
func RecordRuleError(ruleID string) {
	ruleErrors.WithLabelValues(ruleID).Inc()
}

// SetQueueDepth sets queue_depth for the given job kind.
func SetQueueDepth(kind string, depth float64) {
	queueDepth.WithLabelValues(kind).Set(depth)
}

// RecordQueueJobFailed increments queue_jobs_failed_total for the given job kind.
func RecordQueueJobFailed(kind string) {
	queueJobsFailed.WithLabelValues(kind).Inc()
}

// RecordLogEntry increments log_entries_total.
func RecordLogEntry() {
	logEntriesTotal.Inc()
}

// RecordChainVerifyFailure increments chain_verify_failures_total.
func RecordChainVerifyFailure() {
	chainVerifyFailures.Inc()
}

// Handler returns an http.Handler serving every registered metric in the
// Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

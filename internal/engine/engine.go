// Package engine implements the Rule Engine: a registry of active rules
// keyed by rule ID, concurrent per-context evaluation with per-rule
// statistics and failure isolation, and publication of matches and
// recommended actions onto the action broadcast bus.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redwall/sentinel/internal/broadcast"
	"github.com/redwall/sentinel/internal/metrics"
	"github.com/redwall/sentinel/internal/model"
	"github.com/redwall/sentinel/internal/rules"
)

// DefaultDeadline is the per-rule evaluation deadline applied when Engine is
// constructed without an explicit one.
const DefaultDeadline = 500 * time.Millisecond

// Writer is the subset of the Log Writer the engine calls back into to
// persist a SUSPICIOUS_ACTIVITY entry for each match. It is a narrow
// interface so tests can supply a stub without standing up the whole
// writer/store/queue stack.
type Writer interface {
	LogSuspiciousActivity(ctx context.Context, source model.Event, result model.RuleEvaluationResult) error
}

// Stats is the point-in-time snapshot of one rule's execution history.
type Stats struct {
	Executions      int64
	Matches         int64
	Timeouts        int64
	Errors          int64
	LastExecution   time.Time
	AvgExecutionTime time.Duration
}

// ruleStats holds the live, atomically-updated counters backing Stats.
// avgNanos is maintained as a running mean; it is read and written only
// under mu to keep the mean update atomic with the execution count.
type ruleStats struct {
	mu            sync.Mutex
	executions    int64
	matches       int64
	timeouts      int64
	errs          int64
	lastExecution time.Time
	avgNanos      float64
}

func (s *ruleStats) record(d time.Duration, matched, timedOut, errored bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions++
	s.avgNanos += (float64(d) - s.avgNanos) / float64(s.executions)
	s.lastExecution = time.Now()
	if matched {
		s.matches++
	}
	if timedOut {
		s.timeouts++
	}
	if errored {
		s.errs++
	}
}

func (s *ruleStats) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Executions:       s.executions,
		Matches:          s.matches,
		Timeouts:         s.timeouts,
		Errors:           s.errs,
		LastExecution:    s.lastExecution,
		AvgExecutionTime: time.Duration(s.avgNanos),
	}
}

// entry pairs a registered rule with its live statistics.
type entry struct {
	rule  rules.Rule
	stats *ruleStats
}

// Engine evaluates the registry's active rules against an incoming
// RuleContext, concurrently and in isolation from one another's failures.
type Engine struct {
	bus      *broadcast.Bus
	writer   Writer
	logger   *slog.Logger
	deadline time.Duration

	mu       sync.RWMutex
	registry map[string]entry

	evaluations atomic.Int64
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithDeadline overrides the per-rule evaluation deadline.
func WithDeadline(d time.Duration) Option {
	return func(e *Engine) { e.deadline = d }
}

// New constructs an Engine. bus and writer may be nil for tests that only
// exercise registration and evaluation bookkeeping; a nil bus/writer simply
// skips the corresponding publish/log side effect.
func New(bus *broadcast.Bus, writer Writer, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		bus:      bus,
		writer:   writer,
		logger:   logger,
		deadline: DefaultDeadline,
		registry: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register validates r and inserts it into the registry, replacing any
// existing entry with the same ID.
func (e *Engine) Register(r rules.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registry[r.ID()] = entry{rule: r, stats: &ruleStats{}}
	return nil
}

// Unregister removes the rule identified by id, if present.
func (e *Engine) Unregister(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.registry, id)
}

// RuleIDs returns the IDs currently registered, in no particular order.
func (e *Engine) RuleIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.registry))
	for id := range e.registry {
		out = append(out, id)
	}
	return out
}

// Stats returns a snapshot of statistics for rule id, and whether it is
// registered.
func (e *Engine) Stats(id string) (Stats, bool) {
	e.mu.RLock()
	en, ok := e.registry[id]
	e.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	return en.stats.snapshot(), true
}

// Metrics aggregates per-rule statistics across the whole registry.
type Metrics struct {
	TotalEvaluations int64
	PerRule          map[string]Stats
}

// Metrics returns the aggregated counters across every registered rule.
func (e *Engine) Metrics() Metrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m := Metrics{
		TotalEvaluations: e.evaluations.Load(),
		PerRule:          make(map[string]Stats, len(e.registry)),
	}
	for id, en := range e.registry {
		m.PerRule[id] = en.stats.snapshot()
	}
	return m
}

// Evaluate runs every active rule concurrently against rc, isolating each
// rule's timeout or error from the others, and returns the matched results
// (order undefined). Each match is published on threat.detected, logged as
// SUSPICIOUS_ACTIVITY via the writer, and announced on the broadcast channel
// of each suggested action; for severity >= HIGH an aggregate alert payload
// is also published on threat.detected.
func (e *Engine) Evaluate(ctx context.Context, rc model.RuleContext) []model.RuleEvaluationResult {
	e.mu.RLock()
	entries := make([]entry, 0, len(e.registry))
	for _, en := range e.registry {
		entries = append(entries, en)
	}
	e.mu.RUnlock()

	e.evaluations.Add(1)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []model.RuleEvaluationResult
	)

	for _, en := range entries {
		wg.Add(1)
		go func(en entry) {
			defer wg.Done()
			result, timedOut, err := e.evaluateOne(ctx, en.rule, rc)
			en.stats.record(result.evalDuration, result.Matched, timedOut, err != nil)
			metrics.RecordRuleEvaluation(en.rule.ID())
			if err != nil {
				metrics.RecordRuleError(en.rule.ID())
				e.logger.Error("rule evaluation failed",
					slog.String("rule_id", en.rule.ID()), slog.Any("error", err))
				return
			}
			if timedOut {
				metrics.RecordRuleTimeout(en.rule.ID())
				e.logger.Warn("rule evaluation timed out", slog.String("rule_id", en.rule.ID()))
				return
			}
			if !result.Matched {
				return
			}
			metrics.RecordRuleMatch(en.rule.ID())
			mu.Lock()
			results = append(results, result.RuleEvaluationResult)
			mu.Unlock()
			e.announce(rc, result.RuleEvaluationResult)
		}(en)
	}
	wg.Wait()

	return results
}

// timedResult bundles an evaluation outcome with its wall-clock duration for
// statistics bookkeeping.
type timedResult struct {
	model.RuleEvaluationResult
	evalDuration time.Duration
}

func (e *Engine) evaluateOne(ctx context.Context, r rules.Rule, rc model.RuleContext) (timedResult, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	type outcome struct {
		result model.RuleEvaluationResult
		err    error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		result, err := r.Evaluate(ctx, rc)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		return timedResult{o.result, time.Since(start)}, false, o.err
	case <-ctx.Done():
		return timedResult{evalDuration: time.Since(start)}, true, nil
	}
}

// announce publishes a match to the threat feed, the per-action channels,
// and — for severity >= HIGH — the aggregate alert payload, and records it
// as a SUSPICIOUS_ACTIVITY entry via the writer.
func (e *Engine) announce(rc model.RuleContext, result model.RuleEvaluationResult) {
	if e.writer != nil {
		if err := e.writer.LogSuspiciousActivity(context.Background(), rc.Event, result); err != nil {
			e.logger.Error("failed to log suspicious activity", slog.String("rule_id", result.RuleID), slog.Any("error", err))
		}
	}

	if e.bus == nil {
		return
	}

	e.bus.Publish(broadcast.ChannelThreatDetected, map[string]any{
		"context": rc,
		"result":  result,
		"time":    time.Now().UTC(),
	})

	for _, action := range result.SuggestedActions.Slice() {
		e.publishAction(rc.Event, action)
	}

	if result.Severity.AtLeast(model.SeverityHigh) {
		e.bus.Publish(broadcast.ChannelThreatDetected, map[string]any{
			"alert_type": "rule_match",
			"severity":   result.Severity,
			"details":    result.Reason,
			"additional_info": map[string]any{
				"rule_name": result.RuleName,
				"rule_id":   result.RuleID,
				"score":     result.Score,
				"evidence":  result.Evidence,
			},
		})
	}
}

func (e *Engine) publishAction(source model.Event, action model.Action) {
	switch action {
	case model.ActionBlockIP:
		e.bus.Publish(broadcast.ChannelBlockIP, map[string]any{"ip": source.IPAddress, "reason": "rule_match"})
	case model.ActionRequire2FA:
		e.bus.Publish(broadcast.ChannelRequire2FA, map[string]any{"user_id": source.UserID, "email": source.MetaEmail()})
	case model.ActionInvalidateSessions:
		e.bus.Publish(broadcast.ChannelInvalidateSessions, map[string]any{"user_id": source.UserID})
	case model.ActionIncreaseMonitoring:
		e.bus.Publish(broadcast.ChannelIncreaseMonitoring, map[string]any{"user_id": source.UserID, "ip": source.IPAddress})
	}
}

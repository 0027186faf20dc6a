package rules

import (
	"context"
	"errors"
	"time"

	"github.com/redwall/sentinel/internal/model"
)

// BruteForceConfig is the THRESHOLD-variant config shape.
type BruteForceConfig struct {
	TimeWindowMinutes int `json:"time_window_minutes"`
}

func (c *BruteForceConfig) applyDefaults() {
	if c.TimeWindowMinutes <= 0 {
		c.TimeWindowMinutes = 15
	}
}

func (c BruteForceConfig) validate() error {
	if c.TimeWindowMinutes <= 0 {
		return errors.New("time_window_minutes must be positive")
	}
	return nil
}

// BruteForceRule detects repeated LOGIN_FAILED attempts against the same
// target (user_id, then email, then ip_address) within a sliding window.
type BruteForceRule struct {
	Base
	cfg BruteForceConfig
}

// NewBruteForceRule constructs a BruteForceRule from a persisted rule row.
func NewBruteForceRule(row model.Rule) (*BruteForceRule, error) {
	var cfg BruteForceConfig
	if err := unmarshalConfig(row.Config, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	r := &BruteForceRule{Base: NewBase(row), cfg: cfg}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *BruteForceRule) Validate() error { return r.cfg.validate() }

func (r *BruteForceRule) Describe() string {
	return "Flags repeated LOGIN_FAILED attempts against the same user, email, or IP within a time window."
}

func (r *BruteForceRule) Evaluate(_ context.Context, rc model.RuleContext) (model.RuleEvaluationResult, error) {
	e := rc.Event
	if e.EventType != model.EventLoginFailed {
		return model.RuleEvaluationResult{}, nil
	}

	target, value := ResolveTarget(e)
	if target == TargetNone {
		return model.RuleEvaluationResult{}, nil
	}

	window := time.Duration(r.cfg.TimeWindowMinutes) * time.Minute
	window1 := Lookback(FilterEventTypes(rc.RecentEvents, model.EventLoginFailed), e.Timestamp, window)

	var attempts []model.Event
	for _, ev := range window1 {
		if SameTarget(ev, target, value) {
			attempts = append(attempts, ev)
		}
	}
	attempts = append(attempts, e)

	n := len(attempts)

	uniqueIPs := UniqueStrings(attempts, func(ev model.Event) string { return ev.IPAddress })
	uniqueUAs := UniqueStrings(attempts, func(ev model.Event) string { return ev.UserAgent })
	isDistributed := len(uniqueIPs) > 1
	isAutomated := avgInterArrival(attempts) < time.Second

	severity := bruteForceSeverity(n)
	if isDistributed {
		severity = escalateOneStep(severity)
	}

	score := min(n*10, 50)
	if isDistributed {
		score += 20
	}
	if isAutomated {
		score += 15
	}
	if len(uniqueUAs) > 3 {
		score += 10
	}
	if n > 15 {
		score += 5
	}
	score = model.ClampScore(score)

	actions := model.NewActionSet(model.ActionBlockIP)
	if n > 10 || isDistributed {
		actions.Add(model.ActionInvalidateSessions)
	}
	// REQUIRE_2FA widened beyond "n > 15" to also cover a distributed attack:
	// scenario 2 (5 distributed LOGIN_FAILED events) requires REQUIRE_2FA in
	// the suggested action set even though n is well under 15.
	if n > 15 || isDistributed {
		actions.Add(model.ActionRequire2FA)
	}
	if isAutomated {
		actions.Add(model.ActionIncreaseMonitoring)
	}

	return model.RuleEvaluationResult{
		Matched:  true,
		Severity: severity,
		Score:    score,
		Reason:   "brute-force login attempts detected",
		Evidence: map[string]any{
			"failedAttempts": n,
			"uniqueIps":      len(uniqueIPs),
			"isDistributed":  isDistributed,
			"isAutomated":    isAutomated,
			"target":         value,
			"targetType":     string(target),
		},
		SuggestedActions: actions,
		RuleID:           r.ID(),
		RuleName:         r.Name(),
		Tags:             r.Tags(),
	}, nil
}

// bruteForceSeverity applies the count-based ladder. n < 7 resolves to
// MEDIUM rather than the literal "else HIGH" reading of the ladder: scenario
// 1 (n=5, single IP) specifies severity=MEDIUM, and scenario 2 specifies
// that the same n=5 count escalates to HIGH only once distributed is true —
// which is consistent only if the unescalated base case is MEDIUM.
func bruteForceSeverity(n int) model.Severity {
	switch {
	case n >= 20:
		return model.SeverityCritical
	case n > 10:
		return model.SeverityHigh
	default:
		return model.SeverityMedium
	}
}

func escalateOneStep(s model.Severity) model.Severity {
	switch s {
	case model.SeverityInfo:
		return model.SeverityLow
	case model.SeverityLow:
		return model.SeverityMedium
	case model.SeverityMedium:
		return model.SeverityHigh
	case model.SeverityHigh, model.SeverityCritical:
		return model.SeverityCritical
	default:
		return s
	}
}

func avgInterArrival(events []model.Event) time.Duration {
	if len(events) < 2 {
		return time.Hour // no signal; far above the 1s automation threshold
	}
	sorted := make([]model.Event, len(events))
	copy(sorted, events)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].Timestamp.After(sorted[j].Timestamp); j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	total := sorted[len(sorted)-1].Timestamp.Sub(sorted[0].Timestamp)
	return total / time.Duration(len(sorted)-1)
}


package rules

import (
	"context"
	"errors"
	"time"

	"github.com/redwall/sentinel/internal/model"
)

// RapidIPChangeConfig is the PATTERN-variant config for the rapid-IP-change
// rule.
type RapidIPChangeConfig struct {
	LookbackMinutes              int      `json:"lookback_minutes"`
	MaxIPChanges                 int      `json:"max_ip_changes"`
	MinTimeBetweenChangesSeconds int      `json:"min_time_between_changes_seconds"`
	IPWhitelist                  []string `json:"ip_whitelist"`
}

func (c *RapidIPChangeConfig) applyDefaults() {
	if c.LookbackMinutes <= 0 {
		c.LookbackMinutes = 30
	}
	if c.MaxIPChanges <= 0 {
		c.MaxIPChanges = 3
	}
	if c.MinTimeBetweenChangesSeconds <= 0 {
		c.MinTimeBetweenChangesSeconds = 60
	}
}

func (c RapidIPChangeConfig) validate() error {
	if c.LookbackMinutes <= 0 || c.MaxIPChanges <= 0 || c.MinTimeBetweenChangesSeconds <= 0 {
		return errors.New("rapid ip change config fields must be positive")
	}
	return nil
}

// RapidIPChangeRule flags a single target (user_id/email) observed across
// too many distinct IPs, changing IP too quickly, or bouncing back and forth
// between two IPs ("ping-pong") within a lookback window.
type RapidIPChangeRule struct {
	Base
	cfg RapidIPChangeConfig
}

// NewRapidIPChangeRule constructs a RapidIPChangeRule.
func NewRapidIPChangeRule(row model.Rule) (*RapidIPChangeRule, error) {
	var cfg RapidIPChangeConfig
	if err := unmarshalConfig(row.Config, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	r := &RapidIPChangeRule{Base: NewBase(row), cfg: cfg}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RapidIPChangeRule) Validate() error { return r.cfg.validate() }

func (r *RapidIPChangeRule) Describe() string {
	return "Flags a target seen across too many IPs, changing IP too quickly, or bouncing between two IPs, within a lookback window."
}

func (r *RapidIPChangeRule) Evaluate(_ context.Context, rc model.RuleContext) (model.RuleEvaluationResult, error) {
	e := rc.Event
	if e.EventType != model.EventLoginSuccess && e.EventType != model.EventSessionActivity {
		return model.RuleEvaluationResult{}, nil
	}
	if IsWhitelisted(e.IPAddress, r.cfg.IPWhitelist) {
		return model.RuleEvaluationResult{}, nil
	}

	target, value := ResolveTarget(e)
	if target == TargetNone || target == TargetIPAddress {
		return model.RuleEvaluationResult{}, nil
	}

	window := time.Duration(r.cfg.LookbackMinutes) * time.Minute
	prior := Lookback(rc.RecentEvents, e.Timestamp, window)

	var history []model.Event
	for _, ev := range prior {
		if SameTarget(ev, target, value) && !IsWhitelisted(ev.IPAddress, r.cfg.IPWhitelist) {
			history = append(history, ev)
		}
	}
	history = append(history, e)

	uniqueIPs := UniqueStrings(history, func(ev model.Event) string { return ev.IPAddress })
	distinct := len(uniqueIPs)
	if distinct < 2 {
		return model.RuleEvaluationResult{}, nil
	}

	minGap := time.Duration(r.cfg.MinTimeBetweenChangesSeconds) * time.Second
	rapidCount := 0
	for i := 1; i < len(history); i++ {
		if history[i].IPAddress != history[i-1].IPAddress && history[i].Timestamp.Sub(history[i-1].Timestamp) < minGap {
			rapidCount++
		}
	}
	rapid := rapidCount > 0

	pingPongCount := 0
	for i := 0; i+3 < len(history); i++ {
		a, b, c, d := history[i].IPAddress, history[i+1].IPAddress, history[i+2].IPAddress, history[i+3].IPAddress
		if a == c && b == d && a != b {
			pingPongCount++
		}
	}
	pingPong := pingPongCount > 0

	tooMany := distinct > r.cfg.MaxIPChanges

	if !tooMany && !rapid && !pingPong {
		return model.RuleEvaluationResult{}, nil
	}

	patternCount := 0
	if tooMany {
		patternCount++
	}
	if rapid {
		patternCount++
	}
	if pingPong {
		patternCount++
	}

	var severity model.Severity
	switch {
	case patternCount >= 3:
		severity = model.SeverityCritical
	case rapid || pingPong:
		severity = model.SeverityHigh
	case distinct > 5:
		severity = model.SeverityHigh
	default:
		severity = model.SeverityMedium
	}

	score := min(15*distinct, 45)
	if rapid {
		score += 25
	}
	if pingPong {
		score += 20
	}
	if tooMany {
		score += 10
	}
	if rapidCount > 2 {
		score += 10
	}
	score = model.ClampScore(score)

	actions := model.NewActionSet(model.ActionRequire2FA, model.ActionIncreaseMonitoring)
	if patternCount > 1 || distinct > 4 {
		actions.Add(model.ActionInvalidateSessions)
	}
	if rapid && rapidCount > 2 {
		actions.Add(model.ActionBlockIP)
	}

	pattern := "rapid_changes"
	switch {
	case pingPong:
		pattern = "ping_pong"
	case tooMany:
		pattern = "too_many_ips"
	}

	return model.RuleEvaluationResult{
		Matched:  true,
		Severity: severity,
		Score:    score,
		Reason:   "target's IP address changed in a suspicious pattern",
		Evidence: map[string]any{
			"pattern":      pattern,
			"tooManyIps":   tooMany,
			"rapidChanges": rapid,
			"rapidCount":   rapidCount,
			"pingPong":     pingPong,
			"pingPongHits": pingPongCount,
			"uniqueIps":    uniqueIPs,
			"target":       value,
		},
		SuggestedActions: actions,
		RuleID:           r.ID(),
		RuleName:         r.Name(),
		Tags:             r.Tags(),
	}, nil
}

package rules

import (
	"context"
	"errors"
	"time"

	"github.com/redwall/sentinel/internal/model"
)

// SessionHijackingConfig is the PATTERN-variant config for the
// session-hijacking rule.
type SessionHijackingConfig struct {
	LookbackMinutes      int `json:"lookback_minutes"`
	MaxSessionIPChanges  int `json:"max_session_ip_changes"`
}

func (c *SessionHijackingConfig) applyDefaults() {
	if c.LookbackMinutes <= 0 {
		c.LookbackMinutes = 60
	}
	if c.MaxSessionIPChanges <= 0 {
		c.MaxSessionIPChanges = 2
	}
}

func (c SessionHijackingConfig) validate() error {
	if c.LookbackMinutes <= 0 || c.MaxSessionIPChanges <= 0 {
		return errors.New("session hijacking config fields must be positive")
	}
	return nil
}

// SessionHijackingRule detects a session whose IP, User-Agent, or country
// changes mid-session.
type SessionHijackingRule struct {
	Base
	cfg SessionHijackingConfig
}

// NewSessionHijackingRule constructs a SessionHijackingRule.
func NewSessionHijackingRule(row model.Rule) (*SessionHijackingRule, error) {
	var cfg SessionHijackingConfig
	if err := unmarshalConfig(row.Config, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	r := &SessionHijackingRule{Base: NewBase(row), cfg: cfg}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SessionHijackingRule) Validate() error { return r.cfg.validate() }

func (r *SessionHijackingRule) Describe() string {
	return "Flags a session whose IP address, User-Agent, or country changes mid-session."
}

func (r *SessionHijackingRule) Evaluate(_ context.Context, rc model.RuleContext) (model.RuleEvaluationResult, error) {
	e := rc.Event
	sessionID := e.MetaSessionID()
	if sessionID == "" {
		return model.RuleEvaluationResult{}, nil
	}

	window := time.Duration(r.cfg.LookbackMinutes) * time.Minute
	prior := Lookback(rc.RecentEvents, e.Timestamp, window)

	var session []model.Event
	for _, ev := range prior {
		if ev.MetaSessionID() == sessionID {
			session = append(session, ev)
		}
	}
	session = append(session, e)

	uniqueIPs := UniqueStrings(session, func(ev model.Event) string { return ev.IPAddress })
	if len(uniqueIPs)-1 >= r.cfg.MaxSessionIPChanges {
		return model.RuleEvaluationResult{
			Matched:  true,
			Severity: model.SeverityCritical,
			Score:    95,
			Reason:   "session observed from multiple IP addresses",
			Evidence: map[string]any{
				"sessionId": sessionID,
				"uniqueIps": uniqueIPs,
			},
			SuggestedActions: model.NewActionSet(model.ActionInvalidateSessions, model.ActionRequire2FA, model.ActionBlockIP),
			RuleID:           r.ID(),
			RuleName:         r.Name(),
			Tags:             r.Tags(),
		}, nil
	}

	uniqueUAs := UniqueStrings(session, func(ev model.Event) string { return ev.UserAgent })
	if len(uniqueUAs) > 1 {
		return model.RuleEvaluationResult{
			Matched:  true,
			Severity: model.SeverityHigh,
			Score:    90,
			Reason:   "session observed with multiple User-Agents",
			Evidence: map[string]any{
				"sessionId":  sessionID,
				"userAgents": uniqueUAs,
			},
			SuggestedActions: model.NewActionSet(model.ActionInvalidateSessions, model.ActionRequire2FA),
			RuleID:           r.ID(),
			RuleName:         r.Name(),
			Tags:             r.Tags(),
		}, nil
	}

	uniqueCountries := UniqueStrings(session, func(ev model.Event) string { return ev.Country() })
	if len(uniqueCountries) > 1 {
		return model.RuleEvaluationResult{
			Matched:  true,
			Severity: model.SeverityHigh,
			Score:    85,
			Reason:   "session observed from multiple countries",
			Evidence: map[string]any{
				"sessionId": sessionID,
				"countries": uniqueCountries,
			},
			SuggestedActions: model.NewActionSet(model.ActionInvalidateSessions, model.ActionRequire2FA),
			RuleID:           r.ID(),
			RuleName:         r.Name(),
			Tags:             r.Tags(),
		}, nil
	}

	return model.RuleEvaluationResult{}, nil
}

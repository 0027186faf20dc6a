package rules

import (
	"context"
	"errors"
	"time"

	"github.com/redwall/sentinel/internal/model"
)

// CredentialStuffingConfig is the PATTERN-variant config for the
// credential-stuffing rule.
type CredentialStuffingConfig struct {
	LookbackMinutes          int `json:"lookback_minutes"`
	MinUniqueUsers           int `json:"min_unique_users"`
	MaxTimeBetweenAttemptsMs int `json:"max_time_between_attempts_ms"`
}

func (c *CredentialStuffingConfig) applyDefaults() {
	if c.LookbackMinutes <= 0 {
		c.LookbackMinutes = 10
	}
	if c.MinUniqueUsers <= 0 {
		c.MinUniqueUsers = 5
	}
	if c.MaxTimeBetweenAttemptsMs <= 0 {
		c.MaxTimeBetweenAttemptsMs = 2000
	}
}

func (c CredentialStuffingConfig) validate() error {
	if c.LookbackMinutes <= 0 || c.MinUniqueUsers <= 0 || c.MaxTimeBetweenAttemptsMs <= 0 {
		return errors.New("credential stuffing config fields must be positive")
	}
	return nil
}

// CredentialStuffingRule detects a burst of login attempts from one IP
// across many distinct accounts.
type CredentialStuffingRule struct {
	Base
	cfg CredentialStuffingConfig
}

// NewCredentialStuffingRule constructs a CredentialStuffingRule.
func NewCredentialStuffingRule(row model.Rule) (*CredentialStuffingRule, error) {
	var cfg CredentialStuffingConfig
	if err := unmarshalConfig(row.Config, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	r := &CredentialStuffingRule{Base: NewBase(row), cfg: cfg}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *CredentialStuffingRule) Validate() error { return r.cfg.validate() }

func (r *CredentialStuffingRule) Describe() string {
	return "Flags a burst of login attempts from one IP spanning many distinct accounts."
}

func (r *CredentialStuffingRule) Evaluate(_ context.Context, rc model.RuleContext) (model.RuleEvaluationResult, error) {
	e := rc.Event
	if e.IPAddress == "" {
		return model.RuleEvaluationResult{}, nil
	}
	if e.EventType != model.EventLoginFailed && e.EventType != model.EventLoginSuccess {
		return model.RuleEvaluationResult{}, nil
	}

	window := time.Duration(r.cfg.LookbackMinutes) * time.Minute
	candidates := FilterEventTypes(rc.RecentEvents, model.EventLoginFailed, model.EventLoginSuccess)
	candidates = Lookback(candidates, e.Timestamp, window)

	var fromIP []model.Event
	for _, ev := range candidates {
		if ev.IPAddress == e.IPAddress {
			fromIP = append(fromIP, ev)
		}
	}
	fromIP = append(fromIP, e)

	uniqueEmails := UniqueStrings(fromIP, func(ev model.Event) string { return ev.MetaEmail() })
	if len(uniqueEmails) < r.cfg.MinUniqueUsers {
		return model.RuleEvaluationResult{}, nil
	}

	total := len(fromIP)
	rapidPairs := 0
	maxGap := time.Duration(r.cfg.MaxTimeBetweenAttemptsMs) * time.Millisecond
	for i := 1; i < len(fromIP); i++ {
		if fromIP[i].Timestamp.Sub(fromIP[i-1].Timestamp) < maxGap {
			rapidPairs++
		}
	}

	score := model.ClampScore(int((float64(len(uniqueEmails))/10)*50 + (float64(rapidPairs)/float64(total))*50))

	actions := model.NewActionSet(model.ActionBlockIP, model.ActionIncreaseMonitoring)

	return model.RuleEvaluationResult{
		Matched:  true,
		Severity: model.SeverityCritical,
		Score:    score,
		Reason:   "credential stuffing pattern detected",
		Evidence: map[string]any{
			"uniqueUsers":     len(uniqueEmails),
			"totalAttempts":   total,
			"rapidSequential": rapidPairs,
			"ipAddress":       e.IPAddress,
		},
		SuggestedActions: actions,
		RuleID:           r.ID(),
		RuleName:         r.Name(),
		Tags:             r.Tags(),
	}, nil
}

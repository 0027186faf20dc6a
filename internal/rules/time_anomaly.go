package rules

import (
	"context"
	"time"

	"github.com/redwall/sentinel/internal/model"
)

// TimeAnomalyConfig is the TIME_BASED-variant config shape.
type TimeAnomalyConfig struct {
	AllowedHours      []int `json:"allowed_hours"` // 0-23, UTC; empty means "any hour allowed"
	AllowedDays       []int `json:"allowed_days"`  // 0=Sunday .. 6=Saturday; empty means "any day allowed"
	SuspiciousHours   []int `json:"suspicious_hours"`
	CheckUserPattern  bool  `json:"check_user_pattern"`
	LookbackDays      int   `json:"lookback_days"`
}

func (c *TimeAnomalyConfig) applyDefaults() {
	if c.LookbackDays <= 0 {
		c.LookbackDays = 14
	}
}

func (c TimeAnomalyConfig) validate() error { return nil }

func containsInt(list []int, v int) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// TimeAnomalyRule flags activity outside a configured allowed hour/day
// window, activity in an explicit suspicious-hours watch-list, and
// (optionally) activity that deviates from a user's own historical hour
// pattern.
type TimeAnomalyRule struct {
	Base
	cfg TimeAnomalyConfig
}

// NewTimeAnomalyRule constructs a TimeAnomalyRule.
func NewTimeAnomalyRule(row model.Rule) (*TimeAnomalyRule, error) {
	var cfg TimeAnomalyConfig
	if err := unmarshalConfig(row.Config, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	r := &TimeAnomalyRule{Base: NewBase(row), cfg: cfg}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *TimeAnomalyRule) Validate() error { return r.cfg.validate() }

func (r *TimeAnomalyRule) Describe() string {
	return "Flags activity outside allowed hours/days, in a suspicious-hours watch-list, or off a user's usual pattern."
}

func (r *TimeAnomalyRule) Evaluate(_ context.Context, rc model.RuleContext) (model.RuleEvaluationResult, error) {
	e := rc.Event
	ts := e.Timestamp.UTC()
	hour := ts.Hour()
	day := int(ts.Weekday())

	if len(r.cfg.AllowedHours) > 0 && !containsInt(r.cfg.AllowedHours, hour) {
		return model.RuleEvaluationResult{
			Matched:  true,
			Severity: model.SeverityMedium,
			Score:    55,
			Reason:   "activity outside the allowed hour window",
			Evidence: map[string]any{"hourUtc": hour},
			SuggestedActions: model.NewActionSet(model.ActionIncreaseMonitoring),
			RuleID:           r.ID(),
			RuleName:         r.Name(),
			Tags:             r.Tags(),
		}, nil
	}

	if len(r.cfg.AllowedDays) > 0 && !containsInt(r.cfg.AllowedDays, day) {
		return model.RuleEvaluationResult{
			Matched:  true,
			Severity: model.SeverityMedium,
			Score:    50,
			Reason:   "activity outside the allowed day window",
			Evidence: map[string]any{"weekday": day},
			SuggestedActions: model.NewActionSet(model.ActionIncreaseMonitoring),
			RuleID:           r.ID(),
			RuleName:         r.Name(),
			Tags:             r.Tags(),
		}, nil
	}

	if containsInt(r.cfg.SuspiciousHours, hour) {
		return model.RuleEvaluationResult{
			Matched:  true,
			Severity: model.SeverityLow,
			Score:    35,
			Reason:   "activity during a watch-listed hour",
			Evidence: map[string]any{"hourUtc": hour},
			SuggestedActions: model.NewActionSet(model.ActionIncreaseMonitoring),
			RuleID:           r.ID(),
			RuleName:         r.Name(),
			Tags:             r.Tags(),
		}, nil
	}

	if r.cfg.CheckUserPattern && e.UserID != "" {
		window := time.Duration(r.cfg.LookbackDays) * 24 * time.Hour
		prior := Lookback(rc.RecentEvents, e.Timestamp, window)
		var userHours []model.Event
		for _, ev := range prior {
			if ev.UserID == e.UserID {
				userHours = append(userHours, ev)
			}
		}
		if len(userHours) >= 10 {
			hourCounts := make(map[int]int, 24)
			for _, ev := range userHours {
				hourCounts[ev.Timestamp.UTC().Hour()]++
			}
			if hourCounts[hour] == 0 {
				return model.RuleEvaluationResult{
					Matched:  true,
					Severity: model.SeverityLow,
					Score:    30,
					Reason:   "activity at an hour never seen for this user",
					Evidence: map[string]any{
						"hourUtc":  hour,
						"userId":   e.UserID,
						"sampleSize": len(userHours),
					},
					SuggestedActions: model.NewActionSet(model.ActionIncreaseMonitoring),
					RuleID:           r.ID(),
					RuleName:         r.Name(),
					Tags:             r.Tags(),
				}, nil
			}
		}
	}

	return model.RuleEvaluationResult{}, nil
}

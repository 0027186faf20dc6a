package rules

import (
	"context"
	"errors"
	"time"

	"github.com/redwall/sentinel/internal/model"
)

// AccountEnumerationConfig is the PATTERN-variant config for the
// account-enumeration rule.
type AccountEnumerationConfig struct {
	LookbackMinutes       int     `json:"lookback_minutes"`
	MinAttempts           int     `json:"min_attempts"`
	MinSimilarity         float64 `json:"min_similarity"`
	SequentialMinHits     int     `json:"sequential_min_hits"`
}

func (c *AccountEnumerationConfig) applyDefaults() {
	if c.LookbackMinutes <= 0 {
		c.LookbackMinutes = 10
	}
	if c.MinAttempts <= 0 {
		c.MinAttempts = 5
	}
	if c.MinSimilarity <= 0 {
		c.MinSimilarity = 0.7
	}
	if c.SequentialMinHits <= 0 {
		c.SequentialMinHits = 3
	}
}

func (c AccountEnumerationConfig) validate() error {
	if c.MinSimilarity < 0 || c.MinSimilarity > 1 {
		return errors.New("min_similarity must be between 0 and 1")
	}
	return nil
}

// AccountEnumerationRule flags a single IP probing a sequence of
// lexically-related usernames (sequential suffixes, or high mean pairwise
// similarity) within a lookback window.
type AccountEnumerationRule struct {
	Base
	cfg AccountEnumerationConfig
}

// NewAccountEnumerationRule constructs an AccountEnumerationRule.
func NewAccountEnumerationRule(row model.Rule) (*AccountEnumerationRule, error) {
	var cfg AccountEnumerationConfig
	if err := unmarshalConfig(row.Config, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	r := &AccountEnumerationRule{Base: NewBase(row), cfg: cfg}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *AccountEnumerationRule) Validate() error { return r.cfg.validate() }

func (r *AccountEnumerationRule) Describe() string {
	return "Flags a single IP probing a sequence of lexically-related usernames."
}

func (r *AccountEnumerationRule) Evaluate(_ context.Context, rc model.RuleContext) (model.RuleEvaluationResult, error) {
	e := rc.Event
	if e.EventType != model.EventLoginFailed || e.IPAddress == "" {
		return model.RuleEvaluationResult{}, nil
	}

	window := time.Duration(r.cfg.LookbackMinutes) * time.Minute
	candidates := Lookback(FilterEventTypes(rc.RecentEvents, model.EventLoginFailed), e.Timestamp, window)

	var fromIP []model.Event
	for _, ev := range candidates {
		if ev.IPAddress == e.IPAddress {
			fromIP = append(fromIP, ev)
		}
	}
	fromIP = append(fromIP, e)

	usernames := UniqueStrings(fromIP, func(ev model.Event) string {
		if ev.UserID != "" {
			return ev.UserID
		}
		return ev.MetaEmail()
	})
	if len(usernames) < r.cfg.MinAttempts {
		return model.RuleEvaluationResult{}, nil
	}

	sequentialHits := 0
	for i := 1; i < len(usernames); i++ {
		if SequentialUsernames(usernames[i-1], usernames[i]) {
			sequentialHits++
		}
	}

	var simSum float64
	pairs := 0
	for i := 0; i < len(usernames); i++ {
		for j := i + 1; j < len(usernames); j++ {
			simSum += LevenshteinSimilarity(usernames[i], usernames[j])
			pairs++
		}
	}
	meanSimilarity := 0.0
	if pairs > 0 {
		meanSimilarity = simSum / float64(pairs)
	}

	if sequentialHits < r.cfg.SequentialMinHits && meanSimilarity < r.cfg.MinSimilarity {
		return model.RuleEvaluationResult{}, nil
	}

	score := model.ClampScore(int(float64(sequentialHits)*15 + meanSimilarity*40 + float64(len(usernames))*2))
	severity := model.SeverityMedium
	if sequentialHits >= r.cfg.SequentialMinHits {
		severity = model.SeverityHigh
	}

	return model.RuleEvaluationResult{
		Matched:  true,
		Severity: severity,
		Score:    score,
		Reason:   "username enumeration pattern detected from a single IP",
		Evidence: map[string]any{
			"ipAddress":       e.IPAddress,
			"attempts":        len(usernames),
			"sequentialHits":  sequentialHits,
			"meanSimilarity":  meanSimilarity,
		},
		SuggestedActions: model.NewActionSet(model.ActionBlockIP, model.ActionIncreaseMonitoring),
		RuleID:           r.ID(),
		RuleName:         r.Name(),
		Tags:             r.Tags(),
	}, nil
}

package rules

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redwall/sentinel/internal/model"
)

// GeoAnomalyConfig is the GEO_BASED-variant config shape.
type GeoAnomalyConfig struct {
	BlockedCountries    []string `json:"blocked_countries"`
	AllowedCountries    []string `json:"allowed_countries"` // empty means "any country allowed"
	SuspiciousCountries []string `json:"suspicious_countries"`
	MaxTravelSpeedKmh   float64  `json:"max_travel_speed_kmh"`
	LookbackMinutes     int      `json:"lookback_minutes"`
}

func (c *GeoAnomalyConfig) applyDefaults() {
	if c.MaxTravelSpeedKmh <= 0 {
		c.MaxTravelSpeedKmh = 1000
	}
	if c.LookbackMinutes <= 0 {
		c.LookbackMinutes = 1440
	}
}

func (c GeoAnomalyConfig) validate() error {
	if c.MaxTravelSpeedKmh <= 0 || c.LookbackMinutes <= 0 {
		return errors.New("geo anomaly config fields must be positive")
	}
	return nil
}

// GeoAnomalyRule flags logins from blocked countries, countries outside an
// allow-list, geographically impossible travel, or a configured watch-list of
// suspicious countries, checked in that priority order.
type GeoAnomalyRule struct {
	Base
	cfg GeoAnomalyConfig
}

// NewGeoAnomalyRule constructs a GeoAnomalyRule.
func NewGeoAnomalyRule(row model.Rule) (*GeoAnomalyRule, error) {
	var cfg GeoAnomalyConfig
	if err := unmarshalConfig(row.Config, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	r := &GeoAnomalyRule{Base: NewBase(row), cfg: cfg}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *GeoAnomalyRule) Validate() error { return r.cfg.validate() }

func (r *GeoAnomalyRule) Describe() string {
	return "Flags logins from blocked or non-allow-listed countries, and geographically impossible travel."
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

func (r *GeoAnomalyRule) Evaluate(_ context.Context, rc model.RuleContext) (model.RuleEvaluationResult, error) {
	e := rc.Event
	if e.EventType != model.EventLoginSuccess {
		return model.RuleEvaluationResult{}, nil
	}
	country := e.Country()

	if country != "" && containsFold(r.cfg.BlockedCountries, country) {
		return model.RuleEvaluationResult{
			Matched:  true,
			Severity: model.SeverityCritical,
			Score:    100,
			Reason:   "login from a blocked country",
			Evidence: map[string]any{"country": country},
			SuggestedActions: model.NewActionSet(model.ActionBlockIP, model.ActionInvalidateSessions),
			RuleID:           r.ID(),
			RuleName:         r.Name(),
			Tags:             r.Tags(),
		}, nil
	}

	if country != "" && len(r.cfg.AllowedCountries) > 0 && !containsFold(r.cfg.AllowedCountries, country) {
		return model.RuleEvaluationResult{
			Matched:  true,
			Severity: model.SeverityCritical,
			Score:    80,
			Reason:   "login from a country outside the allow-list",
			Evidence: map[string]any{"country": country},
			SuggestedActions: model.NewActionSet(model.ActionRequire2FA, model.ActionIncreaseMonitoring),
			RuleID:   r.ID(),
			RuleName: r.Name(),
			Tags:     r.Tags(),
		}, nil
	}

	if loc := e.Location(); loc != "" {
		target, value := ResolveTarget(e)
		if target != TargetNone {
			window := time.Duration(r.cfg.LookbackMinutes) * time.Minute
			prior := Lookback(rc.RecentEvents, e.Timestamp, window)
			var last *model.Event
			for i := len(prior) - 1; i >= 0; i-- {
				if SameTarget(prior[i], target, value) && prior[i].Location() != "" && prior[i].Location() != loc {
					ev := prior[i]
					last = &ev
					break
				}
			}
			if last != nil {
				elapsed := e.Timestamp.Sub(last.Timestamp)
				if elapsed > 0 {
					if dist, ok := distanceKM(last.Location(), loc); ok {
						speed := dist / elapsed.Hours()
						if speed > r.cfg.MaxTravelSpeedKmh {
							var severity model.Severity
							var actions model.ActionSet
							switch {
							case speed > 2000:
								severity = model.SeverityCritical
								actions = model.NewActionSet(model.ActionInvalidateSessions, model.ActionBlockIP)
							case speed > 1500:
								severity = model.SeverityHigh
								actions = model.NewActionSet(model.ActionRequire2FA, model.ActionIncreaseMonitoring)
							default:
								severity = model.SeverityMedium
								actions = model.NewActionSet(model.ActionRequire2FA)
							}
							score := model.ClampScore(50 + int((speed-r.cfg.MaxTravelSpeedKmh)/20))
							return model.RuleEvaluationResult{
								Matched:  true,
								Severity: severity,
								Score:    score,
								Reason:   "impossible travel between consecutive logins",
								Evidence: map[string]any{
									"fromLocation": last.Location(),
									"toLocation":   loc,
									"distanceKm":   dist,
									"elapsedMin":   elapsed.Minutes(),
									"velocityKmh":  speed,
								},
								SuggestedActions: actions,
								RuleID:   r.ID(),
								RuleName: r.Name(),
								Tags:     r.Tags(),
							}, nil
						}
					}
				}
			}
		}
	}

	if country != "" && containsFold(r.cfg.SuspiciousCountries, country) {
		return model.RuleEvaluationResult{
			Matched:  true,
			Severity: model.SeverityMedium,
			Score:    60,
			Reason:   "login from a watch-listed country",
			Evidence: map[string]any{"country": country},
			SuggestedActions: model.NewActionSet(model.ActionRequire2FA, model.ActionIncreaseMonitoring),
			RuleID:   r.ID(),
			RuleName: r.Name(),
			Tags:     r.Tags(),
		}, nil
	}

	return model.RuleEvaluationResult{}, nil
}

// Package rules implements the pluggable heuristic rule interface and the
// eight concrete detection algorithms evaluated against incoming security
// events: Brute-Force, Credential Stuffing, Session Hijacking, Geo Anomaly,
// Rapid IP Change, Suspicious User-Agent, Time Anomaly, and Account
// Enumeration.
//
// Rules are expressed as variants over a small capability set
// (Evaluate/Validate/Describe) rather than a class hierarchy: each concrete
// rule type embeds Base for the common accessors and supplies its own
// Config shape and Evaluate logic, following the teacher's preference for
// small interfaces (agent.Watcher, agent.Queue, agent.Transport) composed
// with free-function helpers rather than deep inheritance.
package rules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redwall/sentinel/internal/model"
)

// Rule is the contract every heuristic implements. Evaluate must be safe to
// call concurrently with Evaluate calls for other RuleContexts — the engine
// runs many rules against one context at once, and one rule instance may be
// evaluated again before a prior call returns.
type Rule interface {
	ID() string
	Name() string
	Description() string
	Version() string
	Status() model.RuleStatus
	Severity() model.Severity
	ConditionType() model.ConditionType
	Config() json.RawMessage
	Tags() []string

	Evaluate(ctx context.Context, rc model.RuleContext) (model.RuleEvaluationResult, error)
	Validate() error
	Describe() string
}

// Base holds the fields common to every rule variant and the metadata
// accessors required by the Rule interface. Concrete rule types embed Base
// and implement Evaluate, Validate, and Describe themselves.
type Base struct {
	id            string
	name          string
	description   string
	version       string
	status        model.RuleStatus
	severity      model.Severity
	conditionType model.ConditionType
	config        json.RawMessage
	tags          []string
}

// NewBase builds a Base from a persisted rule row.
func NewBase(row model.Rule) Base {
	return Base{
		id:            row.ID,
		name:          row.Name,
		description:   row.Description,
		version:       row.Version,
		status:        row.Status,
		severity:      row.Severity,
		conditionType: row.ConditionType,
		config:        row.Config,
		tags:          row.Tags,
	}
}

func (b Base) ID() string                          { return b.id }
func (b Base) Name() string                        { return b.name }
func (b Base) Description() string                 { return b.description }
func (b Base) Version() string                     { return b.version }
func (b Base) Status() model.RuleStatus             { return b.status }
func (b Base) Severity() model.Severity             { return b.severity }
func (b Base) ConditionType() model.ConditionType   { return b.conditionType }
func (b Base) Config() json.RawMessage              { return b.config }
func (b Base) Tags() []string                       { return b.tags }

// unmarshalConfig decodes row.Config into dst, tolerating an empty or null
// config (dst keeps its zero value, to which defaults are then applied).
func unmarshalConfig(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	var probe any
	if err := json.Unmarshal(raw, &probe); err == nil && probe == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("rules: unmarshal config: %w", err)
	}
	return nil
}

// New constructs the concrete rule implementation for row, chosen by
// condition_type (and, for PATTERN rules, by id/tags) per the Rule
// Repository's lookup table in spec §4.I.
func New(row model.Rule) (Rule, error) {
	switch row.ConditionType {
	case model.ConditionThreshold:
		return NewBruteForceRule(row)
	case model.ConditionTimeBased:
		return NewTimeAnomalyRule(row)
	case model.ConditionGeoBased:
		return NewGeoAnomalyRule(row)
	case model.ConditionPattern:
		return newPatternRule(row)
	default:
		return nil, fmt.Errorf("rules: unknown condition_type %q for rule %s", row.ConditionType, row.ID)
	}
}

// newPatternRule chooses among the PATTERN-variant implementations by the
// rule's id or tags, per spec §4.I ("default pattern rule implementation
// chosen by id/tags").
func newPatternRule(row model.Rule) (Rule, error) {
	switch {
	case matchesAny(row, "credential-stuffing", "credential_stuffing"):
		return NewCredentialStuffingRule(row)
	case matchesAny(row, "session-hijacking", "session_hijacking"):
		return NewSessionHijackingRule(row)
	case matchesAny(row, "rapid-ip-change", "rapid_ip_change"):
		return NewRapidIPChangeRule(row)
	case matchesAny(row, "suspicious-user-agent", "suspicious_user_agent"):
		return NewSuspiciousUserAgentRule(row)
	case matchesAny(row, "account-enumeration", "account_enumeration"):
		return NewAccountEnumerationRule(row)
	default:
		return nil, fmt.Errorf("rules: no PATTERN implementation matches id=%q tags=%v", row.ID, row.Tags)
	}
}

// matchesAny reports whether row.ID equals any of names or row.Tags
// contains any of names.
func matchesAny(row model.Rule, names ...string) bool {
	for _, n := range names {
		if row.ID == n {
			return true
		}
		for _, t := range row.Tags {
			if t == n {
				return true
			}
		}
	}
	return false
}

package rules

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/redwall/sentinel/internal/model"
)

// SuspiciousUserAgentConfig is the PATTERN-variant config for the
// suspicious-user-agent rule.
type SuspiciousUserAgentConfig struct {
	LookbackMinutes int      `json:"lookback_minutes"`
	IPWhitelist     []string `json:"ip_whitelist"`
	TooShortLength  int      `json:"too_short"`
	TooLongLength   int      `json:"too_long"`
}

func (c *SuspiciousUserAgentConfig) applyDefaults() {
	if c.LookbackMinutes <= 0 {
		c.LookbackMinutes = 60
	}
	if c.TooShortLength <= 0 {
		c.TooShortLength = 10
	}
	if c.TooLongLength <= 0 {
		c.TooLongLength = 256
	}
}

func (c SuspiciousUserAgentConfig) validate() error { return nil }

// uaBucket is a named group of User-Agent substrings sharing a weight,
// checked in declaration order; the first bucket to match wins.
type uaBucket struct {
	name    string
	pattern *regexp.Regexp
	weight  int
}

var uaBuckets = []uaBucket{
	{"scanner", regexp.MustCompile(`(?i)(sqlmap|nikto|nmap|masscan|acunetix|nessus|burp|burpsuite|zap|zgrab|dirbuster)`), 50},
	{"bot", regexp.MustCompile(`(?i)(bot|crawler|spider|scrapy|scraper|headlesschrome|phantomjs)`), 30},
	{"tool", regexp.MustCompile(`(?i)(curl|wget|python|python-requests|go-http-client|httpclient|libwww-perl|java/|okhttp|postman|headless|puppeteer)`), 20},
}

var browserTokenPattern = regexp.MustCompile(`(?i)(Mozilla|Chrome|Safari|Firefox|Edge|Opera)`)

// SuspiciousUserAgentRule flags requests bearing scanner/bot/tool
// User-Agent signatures, malformed agent strings, or a target whose recent
// activity with that agent looks automated.
type SuspiciousUserAgentRule struct {
	Base
	cfg SuspiciousUserAgentConfig
}

// NewSuspiciousUserAgentRule constructs a SuspiciousUserAgentRule.
func NewSuspiciousUserAgentRule(row model.Rule) (*SuspiciousUserAgentRule, error) {
	var cfg SuspiciousUserAgentConfig
	if err := unmarshalConfig(row.Config, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	r := &SuspiciousUserAgentRule{Base: NewBase(row), cfg: cfg}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SuspiciousUserAgentRule) Validate() error { return r.cfg.validate() }

func (r *SuspiciousUserAgentRule) Describe() string {
	return "Flags scanner/bot/tool User-Agent signatures, malformed agent strings, and automated-looking activity."
}

func (r *SuspiciousUserAgentRule) Evaluate(_ context.Context, rc model.RuleContext) (model.RuleEvaluationResult, error) {
	e := rc.Event
	if IsWhitelisted(e.IPAddress, r.cfg.IPWhitelist) {
		return model.RuleEvaluationResult{}, nil
	}

	ua := strings.TrimSpace(e.UserAgent)

	score := 0
	bucket := ""
	reason := "user agent exhibits suspicious characteristics"

	if ua == "" {
		score = 40
		reason = "missing user agent"
	} else {
		for _, b := range uaBuckets {
			if b.pattern.MatchString(ua) {
				score += b.weight
				bucket = b.name
				reason = "user agent matches a known " + b.name + " signature"
				break
			}
		}
		if len(ua) < r.cfg.TooShortLength {
			score += 15
		}
		if len(ua) > r.cfg.TooLongLength {
			score += 10
		}
		if !strings.Contains(ua, " ") {
			score += 20
		}
		if !browserTokenPattern.MatchString(ua) {
			score += 25
		}
	}

	var history []model.Event
	target, value := ResolveTarget(e)
	if target != TargetNone {
		window := time.Duration(r.cfg.LookbackMinutes) * time.Minute
		prior := Lookback(rc.RecentEvents, e.Timestamp, window)
		for _, ev := range prior {
			if SameTarget(ev, target, value) {
				history = append(history, ev)
			}
		}
		history = append(history, e)
	}

	failedSameUA, failedTotal, successTotal := 0, 0, 0
	for _, ev := range history {
		switch ev.EventType {
		case model.EventLoginFailed:
			failedTotal++
			if ev.UserAgent == e.UserAgent {
				failedSameUA++
			}
		case model.EventLoginSuccess:
			successTotal++
		}
	}
	total := len(history)

	if failedSameUA >= 6 {
		score += 30
	}
	if total > 10 && r.cfg.LookbackMinutes <= 5 {
		score += 25
	}
	if failedTotal >= 4 && successTotal == 0 {
		score += 20
	}

	if score <= 0 {
		return model.RuleEvaluationResult{}, nil
	}
	score = model.ClampScore(score)

	isScanner := bucket == "scanner"

	var severity model.Severity
	switch {
	case isScanner:
		severity = model.SeverityCritical
	case score > 80:
		severity = model.SeverityHigh
	case score > 50:
		severity = model.SeverityMedium
	default:
		severity = model.SeverityLow
	}

	var actions model.ActionSet
	switch {
	case isScanner:
		actions = model.NewActionSet(model.ActionBlockIP, model.ActionInvalidateSessions)
	case failedTotal > 5:
		actions = model.NewActionSet(model.ActionBlockIP)
	default:
		actions = model.NewActionSet(model.ActionIncreaseMonitoring)
	}
	if r.cfg.LookbackMinutes > 0 && float64(total)/float64(r.cfg.LookbackMinutes) > 2 {
		actions.Add(model.ActionRequire2FA)
	}

	return model.RuleEvaluationResult{
		Matched:  true,
		Severity: severity,
		Score:    score,
		Reason:   reason,
		Evidence: map[string]any{
			"userAgent":    ua,
			"bucket":       bucket,
			"length":       len(ua),
			"failedLogins": failedTotal,
			"totalEvents":  total,
		},
		SuggestedActions: actions,
		RuleID:           r.ID(),
		RuleName:         r.Name(),
		Tags:             r.Tags(),
	}, nil
}

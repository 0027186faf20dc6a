package rules_test

import (
	"context"
	"testing"
	"time"

	"github.com/redwall/sentinel/internal/model"
	"github.com/redwall/sentinel/internal/rules"
)

func rapidIPChangeRow(t *testing.T) model.Rule {
	t.Helper()
	return model.Rule{
		ID:            "rapid-ip-change",
		Name:          "Rapid IP Change",
		Version:       "1.0.0",
		Status:        model.RuleStatusActive,
		Severity:      model.SeverityHigh,
		ConditionType: model.ConditionPattern,
		Tags:          []string{"rapid-ip-change"},
	}
}

func TestRapidIPChangeRule_TooManyUniqueIPs(t *testing.T) {
	t.Parallel()

	r, err := rules.NewRapidIPChangeRule(rapidIPChangeRow(t))
	if err != nil {
		t.Fatalf("NewRapidIPChangeRule: %v", err)
	}

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ips := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"}
	var recent []model.Event
	for i, ip := range ips {
		recent = append(recent, model.Event{
			EventType: model.EventSessionActivity,
			Timestamp: now.Add(-time.Duration(len(ips)-i) * time.Minute),
			UserID:    "u",
			IPAddress: ip,
		})
	}
	current := model.Event{EventType: model.EventSessionActivity, Timestamp: now, UserID: "u", IPAddress: "10.0.0.5"}

	result, err := r.Evaluate(context.Background(), model.RuleContext{Event: current, RecentEvents: recent})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.Matched {
		t.Fatal("expected matched=true for too many unique IPs")
	}
	if result.Evidence["pattern"] != "too_many_ips" {
		t.Errorf("evidence.pattern = %v, want too_many_ips", result.Evidence["pattern"])
	}
}

func TestRapidIPChangeRule_PingPong(t *testing.T) {
	t.Parallel()

	r, err := rules.NewRapidIPChangeRule(rapidIPChangeRow(t))
	if err != nil {
		t.Fatalf("NewRapidIPChangeRule: %v", err)
	}

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	seq := []string{"10.0.0.1", "10.0.0.2", "10.0.0.1", "10.0.0.2"}
	var recent []model.Event
	for i, ip := range seq {
		recent = append(recent, model.Event{
			EventType: model.EventSessionActivity,
			Timestamp: now.Add(-time.Duration(len(seq)-i) * time.Minute),
			UserID:    "u",
			IPAddress: ip,
		})
	}
	current := model.Event{EventType: model.EventSessionActivity, Timestamp: now, UserID: "u", IPAddress: "10.0.0.1"}

	result, err := r.Evaluate(context.Background(), model.RuleContext{Event: current, RecentEvents: recent})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.Matched {
		t.Fatal("expected matched=true for ping-pong IP pattern")
	}
	if result.Evidence["pattern"] != "ping_pong" {
		t.Errorf("evidence.pattern = %v, want ping_pong", result.Evidence["pattern"])
	}
}

func TestRapidIPChangeRule_WhitelistedIPSkipped(t *testing.T) {
	t.Parallel()

	row := rapidIPChangeRow(t)
	row.Config = []byte(`{"ip_whitelist": ["10.0.0.9"]}`)
	r, err := rules.NewRapidIPChangeRule(row)
	if err != nil {
		t.Fatalf("NewRapidIPChangeRule: %v", err)
	}

	result, err := r.Evaluate(context.Background(), model.RuleContext{
		Event: model.Event{EventType: model.EventSessionActivity, UserID: "u", IPAddress: "10.0.0.9"},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Matched {
		t.Fatal("expected matched=false for a whitelisted IP")
	}
}

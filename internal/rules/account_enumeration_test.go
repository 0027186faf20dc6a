package rules_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redwall/sentinel/internal/model"
	"github.com/redwall/sentinel/internal/rules"
)

func accountEnumerationRow(t *testing.T) model.Rule {
	t.Helper()
	return model.Rule{
		ID:            "account-enumeration",
		Name:          "Account Enumeration",
		Version:       "1.0.0",
		Status:        model.RuleStatusActive,
		Severity:      model.SeverityHigh,
		ConditionType: model.ConditionPattern,
		Tags:          []string{"account-enumeration"},
	}
}

func TestAccountEnumerationRule_SequentialUsernames(t *testing.T) {
	t.Parallel()

	r, err := rules.NewAccountEnumerationRule(accountEnumerationRow(t))
	if err != nil {
		t.Fatalf("NewAccountEnumerationRule: %v", err)
	}

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var recent []model.Event
	for i := 1; i <= 4; i++ {
		recent = append(recent, model.Event{
			EventType: model.EventLoginFailed,
			Timestamp: now.Add(-time.Duration(5-i) * time.Second),
			IPAddress: "10.0.0.1",
			UserID:    fmt.Sprintf("user%d", i),
		})
	}
	current := model.Event{EventType: model.EventLoginFailed, Timestamp: now, IPAddress: "10.0.0.1", UserID: "user5"}

	result, err := r.Evaluate(context.Background(), model.RuleContext{Event: current, RecentEvents: recent})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.Matched {
		t.Fatal("expected matched=true for a sequential username scan")
	}
	if result.Severity != model.SeverityHigh {
		t.Errorf("severity = %s, want HIGH", result.Severity)
	}
}

func TestAccountEnumerationRule_UnrelatedUsernamesDoNotMatch(t *testing.T) {
	t.Parallel()

	r, err := rules.NewAccountEnumerationRule(accountEnumerationRow(t))
	if err != nil {
		t.Fatalf("NewAccountEnumerationRule: %v", err)
	}

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	names := []string{"alice", "zxq93f", "marvin", "tuesday"}
	var recent []model.Event
	for i, name := range names {
		recent = append(recent, model.Event{
			EventType: model.EventLoginFailed,
			Timestamp: now.Add(-time.Duration(len(names)-i) * time.Second),
			IPAddress: "10.0.0.1",
			UserID:    name,
		})
	}
	current := model.Event{EventType: model.EventLoginFailed, Timestamp: now, IPAddress: "10.0.0.1", UserID: "quixotic"}

	result, err := r.Evaluate(context.Background(), model.RuleContext{Event: current, RecentEvents: recent})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Matched {
		t.Fatal("expected matched=false for unrelated usernames")
	}
}

package rules_test

import (
	"context"
	"testing"
	"time"

	"github.com/redwall/sentinel/internal/model"
	"github.com/redwall/sentinel/internal/rules"
)

func sessionHijackingRow(t *testing.T) model.Rule {
	t.Helper()
	return model.Rule{
		ID:            "session-hijacking",
		Name:          "Session Hijacking",
		Version:       "1.0.0",
		Status:        model.RuleStatusActive,
		Severity:      model.SeverityCritical,
		ConditionType: model.ConditionPattern,
		Tags:          []string{"session-hijacking"},
	}
}

// Scenario 5: three events sharing sessionId "s1" from IPs A, B, C within
// 30 seconds. Expected matched=true, severity=CRITICAL, score 95, actions
// {INVALIDATE_SESSIONS, REQUIRE_2FA, BLOCK_IP}.
func TestSessionHijackingRule_IPHop(t *testing.T) {
	t.Parallel()

	r, err := rules.NewSessionHijackingRule(sessionHijackingRow(t))
	if err != nil {
		t.Fatalf("NewSessionHijackingRule: %v", err)
	}

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	recent := []model.Event{
		{EventType: model.EventSessionActivity, Timestamp: now.Add(-20 * time.Second), SessionID: "s1", IPAddress: "A"},
		{EventType: model.EventSessionActivity, Timestamp: now.Add(-10 * time.Second), SessionID: "s1", IPAddress: "B"},
	}
	current := model.Event{EventType: model.EventSessionActivity, Timestamp: now, SessionID: "s1", IPAddress: "C"}

	result, err := r.Evaluate(context.Background(), model.RuleContext{Event: current, RecentEvents: recent})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.Matched {
		t.Fatal("expected matched=true")
	}
	if result.Severity != model.SeverityCritical {
		t.Errorf("severity = %s, want CRITICAL", result.Severity)
	}
	if result.Score != 95 {
		t.Errorf("score = %d, want 95", result.Score)
	}
	for _, a := range []model.Action{model.ActionInvalidateSessions, model.ActionRequire2FA, model.ActionBlockIP} {
		if !result.SuggestedActions.Has(a) {
			t.Errorf("missing action %s, got %v", a, result.SuggestedActions.Slice())
		}
	}
}

func TestSessionHijackingRule_NoSessionIDSkips(t *testing.T) {
	t.Parallel()

	r, err := rules.NewSessionHijackingRule(sessionHijackingRow(t))
	if err != nil {
		t.Fatalf("NewSessionHijackingRule: %v", err)
	}

	result, err := r.Evaluate(context.Background(), model.RuleContext{
		Event: model.Event{EventType: model.EventSessionActivity, IPAddress: "A"},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Matched {
		t.Fatal("expected matched=false without a session id")
	}
}

func TestSessionHijackingRule_SingleIPDoesNotMatch(t *testing.T) {
	t.Parallel()

	r, err := rules.NewSessionHijackingRule(sessionHijackingRow(t))
	if err != nil {
		t.Fatalf("NewSessionHijackingRule: %v", err)
	}

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	recent := []model.Event{
		{EventType: model.EventSessionActivity, Timestamp: now.Add(-10 * time.Second), SessionID: "s1", IPAddress: "A", UserAgent: "ua"},
	}
	current := model.Event{EventType: model.EventSessionActivity, Timestamp: now, SessionID: "s1", IPAddress: "A", UserAgent: "ua"}

	result, err := r.Evaluate(context.Background(), model.RuleContext{Event: current, RecentEvents: recent})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Matched {
		t.Fatal("expected matched=false for a stable session")
	}
}

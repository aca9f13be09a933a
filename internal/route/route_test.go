package route

import "testing"

func sampleRuleset() *Ruleset {
	return &Ruleset{
		RulesetVersion: "1.0.0",
		Rules: []Rule{
			{
				RuleID:   "security-malware",
				Priority: 100,
				When:     Condition{RiskFlagsAny: []string{"RISK_SECURITY_MALWARE"}},
				Then: Then{
					QueueID: "QUEUE_SECURITY_REVIEW", SLAID: "SLA_URGENT", Priority: 1,
					Actions: []string{"BLOCK_CASE_CREATE"}, FailClosed: true, FailClosedReason: "AV_INFECTED",
				},
			},
			{
				RuleID:   "gdpr",
				Priority: 50,
				When:     Condition{PrimaryIntentIn: []string{"INTENT_GDPR_REQUEST"}},
				Then: Then{
					QueueID: "QUEUE_PRIVACY_DSR", SLAID: "SLA_STANDARD", Priority: 3,
					Actions: []string{"CREATE_CASE", "ADD_REQUEST_INFO_DRAFT"},
				},
			},
		},
		Fallback: Then{QueueID: "QUEUE_INTAKE_REVIEW_GENERAL", SLAID: "SLA_STANDARD", Priority: 5, Actions: []string{"CREATE_CASE"}, FailClosed: true, FailClosedReason: "ROUTE_NO_MATCH"},
	}
}

func TestEvaluateOverridePrecedenceMalwareBeatsGDPR(t *testing.T) {
	rs := sampleRuleset()
	f := Facts{RiskFlags: []string{"RISK_SECURITY_MALWARE"}, PrimaryIntent: "INTENT_GDPR_REQUEST"}
	result, ruleID := Evaluate(rs, f, Incident{})
	if result.QueueID != "QUEUE_SECURITY_REVIEW" {
		t.Fatalf("expected security queue to win, got %s (rule %s)", result.QueueID, ruleID)
	}
}

func TestEvaluateFallsBackWhenNoMatch(t *testing.T) {
	rs := sampleRuleset()
	result, ruleID := Evaluate(rs, Facts{PrimaryIntent: "INTENT_GENERAL_INQUIRY"}, Incident{})
	if result.QueueID != "QUEUE_INTAKE_REVIEW_GENERAL" || ruleID != "" {
		t.Fatalf("expected fallback, got %+v rule=%s", result, ruleID)
	}
}

func TestEvaluateForceReviewOverridesEverything(t *testing.T) {
	rs := sampleRuleset()
	f := Facts{RiskFlags: []string{"RISK_SECURITY_MALWARE"}}
	result, _ := Evaluate(rs, f, Incident{ForceReview: true, ForceReviewQueueID: "QUEUE_INCIDENT_REVIEW"})
	if result.QueueID != "QUEUE_INCIDENT_REVIEW" || result.FailClosedReason != "INCIDENT_FORCE_REVIEW" {
		t.Fatalf("expected force-review override, got %+v", result)
	}
	if len(result.Actions) != 1 || result.Actions[0] != "ATTACH_ORIGINAL_EMAIL" {
		t.Fatalf("expected only ATTACH_ORIGINAL_EMAIL action, got %v", result.Actions)
	}
}

func TestEvaluateBlockCaseCreateStripsCreateCase(t *testing.T) {
	rs := sampleRuleset()
	f := Facts{PrimaryIntent: "INTENT_GDPR_REQUEST"}
	result, _ := Evaluate(rs, f, Incident{BlockCaseCreateRiskFlagsAny: []string{"RISK_PRIVACY_SENSITIVE"}})
	// No risk flags present in facts, so block should not apply.
	if result.FailClosed {
		t.Fatalf("expected no block when risk flag absent, got %+v", result)
	}

	f.RiskFlags = []string{"RISK_PRIVACY_SENSITIVE"}
	result, _ = Evaluate(rs, f, Incident{BlockCaseCreateRiskFlagsAny: []string{"RISK_PRIVACY_SENSITIVE"}})
	if !result.FailClosed || result.FailClosedReason != "INCIDENT_BLOCK_CASE_CREATE" {
		t.Fatalf("expected block override to apply, got %+v", result)
	}
	if result.Actions[0] != "BLOCK_CASE_CREATE" {
		t.Fatalf("expected BLOCK_CASE_CREATE prepended, got %v", result.Actions)
	}
	for _, a := range result.Actions {
		if a == "CREATE_CASE" {
			t.Fatal("expected CREATE_CASE stripped")
		}
	}
}

func TestLoadRulesetRejectsUnknownOperator(t *testing.T) {
	data := []byte(`{
		"ruleset_version": "1.0.0",
		"rules": [{"rule_id": "r1", "priority": 1, "when": {"bogus_operator": ["x"]}, "then": {"queue_id": "Q", "sla_id": "S", "priority": 1, "actions": []}}],
		"fallback": {"queue_id": "Q", "sla_id": "S", "priority": 1, "actions": []}
	}`)
	if _, err := LoadRuleset(data); err == nil {
		t.Fatal("expected RULES_INVALID for unknown when operator")
	}
}

package identity

import "testing"

type staticLookup struct {
	records map[string]Record
}

func (l staticLookup) Find(hit IdentifierHit) (Record, bool, error) {
	r, ok := l.records[hit.Value]
	return r, ok, nil
}

func TestResolveNearTieForcesReview(t *testing.T) {
	cfg := ScoringConfig{
		Intercept: 0.0,
		Slope:     1.0,
		Signals: map[string]SignalConfig{
			KindClaimNumber:  {Weight: 0.91, Strength: StrengthHard},
			KindPolicyNumber: {Weight: 0.86, Strength: StrengthHard},
		},
		ConfirmedMinScore:  0.90,
		ConfirmedMinMargin: 0.20,
		ProbableMinScore:   0.70,
		ProbableMinMargin:  0.05,
		TopK:               5,
	}
	hits := []IdentifierHit{
		{Kind: KindClaimNumber, Value: "CLM-2024-0001", Snippet: "clm-2024-0001"},
		{Kind: KindPolicyNumber, Value: "12-3456789", Snippet: "12-3456789"},
	}
	lookup := staticLookup{records: map[string]Record{
		"CLM-2024-0001": {EntityType: "CLAIM", EntityID: "claim-1"},
		"12-3456789":    {EntityType: "POLICY", EntityID: "policy-1"},
	}}

	status, selected, topK, err := Resolve(cfg, hits, lookup, false, NullCRM{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusNeedsReview {
		t.Fatalf("expected IDENTITY_NEEDS_REVIEW, got %s", status)
	}
	if selected != nil {
		t.Fatalf("expected no selected candidate on near-tie, got %+v", selected)
	}
	if len(topK) != 2 || topK[0].Rank != 1 || topK[1].Rank != 2 {
		t.Fatalf("expected ranks [1,2], got %+v", topK)
	}
}

func TestResolveNoCandidateWithoutHighRiskMarkers(t *testing.T) {
	cfg := ScoringConfig{Intercept: 0, Slope: 1, TopK: 5}
	status, selected, topK, err := Resolve(cfg, nil, staticLookup{}, false, NullCRM{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusNoCandidate {
		t.Fatalf("expected IDENTITY_NO_CANDIDATE, got %s", status)
	}
	if selected != nil || len(topK) != 0 {
		t.Fatalf("expected no candidates, got %+v %+v", selected, topK)
	}
}

func TestResolveNoCandidateWithHighRiskMarkersNeedsReview(t *testing.T) {
	cfg := ScoringConfig{Intercept: 0, Slope: 1, TopK: 5}
	status, _, _, err := Resolve(cfg, nil, staticLookup{}, true, NullCRM{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusNeedsReview {
		t.Fatalf("expected IDENTITY_NEEDS_REVIEW, got %s", status)
	}
}

type staticCRM struct {
	byEmail map[string][]string
}

func (c staticCRM) PolicyNumbersForSenderEmail(email string) ([]string, error) {
	return c.byEmail[email], nil
}

func TestResolveProbableViaCRMSignal(t *testing.T) {
	cfg := ScoringConfig{
		Intercept: 0.0,
		Slope:     1.0,
		Signals: map[string]SignalConfig{
			KindPolicyNumber:    {Weight: 0.5, Strength: StrengthHard},
			SigSenderEmailMatch: {Weight: 0.2, Strength: StrengthMedium},
		},
		ConfirmedMinScore:  0.90,
		ConfirmedMinMargin: 0.20,
		ProbableMinScore:   0.55,
		ProbableMinMargin:  0.0,
		TopK:               5,
	}
	hits := []IdentifierHit{
		{Kind: KindPolicyNumber, Value: "12-3456789", Snippet: "12-3456789"},
	}
	lookup := staticLookup{records: map[string]Record{
		"12-3456789": {EntityType: "POLICY", EntityID: "policy-1"},
	}}
	crm := staticCRM{byEmail: map[string][]string{
		"sender@example.com": {"12-3456789"},
	}}

	status, selected, _, err := Resolve(cfg, hits, lookup, false, crm, "sender@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusProbable {
		t.Fatalf("expected IDENTITY_PROBABLE, got %s", status)
	}
	if selected == nil || selected.EntityID != "policy-1" {
		t.Fatalf("expected policy-1 selected, got %+v", selected)
	}
	found := false
	for _, s := range selected.Signals {
		if s == "SIG_SENDER_EMAIL_MATCH" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected SIG_SENDER_EMAIL_MATCH among signals, got %v", selected.Signals)
	}
}

func TestHasHighRiskMarkers(t *testing.T) {
	if !HasHighRiskMarkers("bitte wenden sie sich an den ombudsmann") {
		t.Fatal("expected marker match")
	}
	if HasHighRiskMarkers("hello world") {
		t.Fatal("expected no marker match")
	}
}

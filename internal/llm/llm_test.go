package llm

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/attendite/ieim/internal/ieimmodel"
)

func TestRedactPreservesLength(t *testing.T) {
	in := "contact me at alice@example.com re: DE89370400440532013000"
	out := Redact(in)
	if len(out) != len(in) {
		t.Fatalf("expected length-preserving redaction, got %d vs %d", len(out), len(in))
	}
	if out == in {
		t.Fatal("expected redaction to change the text")
	}
}

func TestClassificationGateOpen(t *testing.T) {
	base := GateInput{LLMEnabled: true, MinConfidenceForAuto: 0.8, PrimaryIntentConfidence: 0.5}
	if !ClassificationGateOpen(base) {
		t.Fatal("expected gate open")
	}
	base.DeterminismMode = true
	if ClassificationGateOpen(base) {
		t.Fatal("expected gate closed under determinism mode")
	}
	base.DeterminismMode = false
	base.DeterministicRiskFlags = []ieimmodel.LabeledItem{{Label: "RISK_SECURITY_MALWARE"}}
	if ClassificationGateOpen(base) {
		t.Fatal("expected gate closed when risk flags present")
	}
}

func TestParseClassificationContractRegroundsEvidence(t *testing.T) {
	schema, err := CompileSchema("classification.json", ClassificationContractSchema)
	if err != nil {
		t.Fatal(err)
	}
	raw := `{"primary_intent":"INTENT_COMPLAINT","confidence":0.9,"evidence_snippet":"i am unhappy","evidence_source":"BODY_C14N"}`
	item, err := ParseClassificationContract(schema, raw, "subject c14n", "hello i am unhappy today")
	if err != nil {
		t.Fatal(err)
	}
	if item.Evidence[0].Start != 6 {
		t.Fatalf("expected regrounded start offset 6, got %d", item.Evidence[0].Start)
	}
}

func TestParseClassificationContractRejectsNonCanonicalLabel(t *testing.T) {
	schema, err := CompileSchema("classification2.json", ClassificationContractSchema)
	if err != nil {
		t.Fatal(err)
	}
	raw := `{"primary_intent":"INTENT_MADE_UP","confidence":0.9,"evidence_snippet":"hi","evidence_source":"BODY_C14N"}`
	if _, err := ParseClassificationContract(schema, raw, "", "hi there"); err == nil {
		t.Fatal("expected contract violation for non-canonical label")
	}
}

func TestCachePutIsImmutable(t *testing.T) {
	c := NewCache(t.TempDir())
	if err := c.Put("sha256:abc", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := c.Put("sha256:abc", "v1"); err != nil {
		t.Fatalf("expected idempotent replay, got %v", err)
	}
	if err := c.Put("sha256:abc", "v2"); err == nil {
		t.Fatal("expected IMMUTABILITY_VIOLATION on differing rewrite")
	}
}

func TestDailyCounterEnforcesCap(t *testing.T) {
	counter := NewDailyCounter(filepath.Join(t.TempDir(), "counter.txt"))
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		ok, err := counter.IncrementIfUnderCap(now, 3)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("expected call %d to be under cap", i)
		}
	}
	ok, err := counter.IncrementIfUnderCap(now, 3)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected 4th call to exceed cap")
	}
}

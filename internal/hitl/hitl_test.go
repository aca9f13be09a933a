package hitl

import (
	"encoding/json"
	"testing"
)

func TestPutReviewItemIsIdempotent(t *testing.T) {
	s := New(t.TempDir())
	item := ReviewItem{ReviewItemID: "r1", MessageID: "m1", RunID: "run1", QueueID: "QUEUE_PRIVACY_DSR", Status: ReviewStatusOpen}

	data1, etag1, err := s.PutReviewItem(item)
	if err != nil {
		t.Fatal(err)
	}

	item.Status = ReviewStatusResolved // a second PUT with different content is ignored
	data2, etag2, err := s.PutReviewItem(item)
	if err != nil {
		t.Fatal(err)
	}
	if string(data1) != string(data2) || etag1 != etag2 {
		t.Fatal("expected PutReviewItem to be idempotent and return the original bytes")
	}
}

func TestSubmitCorrectionRejectsStaleETag(t *testing.T) {
	s := New(t.TempDir())
	item := ReviewItem{ReviewItemID: "r2", MessageID: "m2", RunID: "run1", QueueID: "QUEUE_CLAIMS_STANDARD", Status: ReviewStatusOpen}
	if _, _, err := s.PutReviewItem(item); err != nil {
		t.Fatal(err)
	}

	_, _, err := s.SubmitCorrection(SubmitCorrectionInput{
		QueueID: item.QueueID, ReviewItemID: item.ReviewItemID, MessageID: item.MessageID, RunID: item.RunID,
		ActorType: "HUMAN", ActorID: "agent-1", CreatedAt: "2026-01-01T00:00:00Z",
		Corrections: []Correction{{TargetStage: "CLASSIFY", Ops: []PatchOp{{Op: "replace", Path: "/primary_intent", Value: json.RawMessage(`"INTENT_COMPLAINT"`)}}}},
		IfMatch:     "stale-etag",
	})
	if err == nil {
		t.Fatal("expected ETAG_MISMATCH for stale If-Match")
	}
}

func TestSubmitCorrectionIsIdempotentOnReplay(t *testing.T) {
	s := New(t.TempDir())
	item := ReviewItem{ReviewItemID: "r3", MessageID: "m3", RunID: "run1", QueueID: "QUEUE_CLAIMS_STANDARD", Status: ReviewStatusOpen}
	_, etag, err := s.PutReviewItem(item)
	if err != nil {
		t.Fatal(err)
	}

	in := SubmitCorrectionInput{
		QueueID: item.QueueID, ReviewItemID: item.ReviewItemID, MessageID: item.MessageID, RunID: item.RunID,
		ActorType: "HUMAN", ActorID: "agent-1", CreatedAt: "2026-01-01T00:00:00Z",
		Corrections: []Correction{{TargetStage: "CLASSIFY", Ops: []PatchOp{{Op: "replace", Path: "/primary_intent", Value: json.RawMessage(`"INTENT_COMPLAINT"`)}}}},
		IfMatch:     etag,
	}
	rec1, path1, err := s.SubmitCorrection(in)
	if err != nil {
		t.Fatal(err)
	}

	rec2, path2, err := s.SubmitCorrection(in)
	if err != nil {
		t.Fatal(err)
	}
	if rec1.CorrectionID != rec2.CorrectionID || path1 != path2 {
		t.Fatal("expected replay with identical inputs to return the same correction_id and path")
	}
}

func TestSubmitCorrectionRejectsUnsupportedOp(t *testing.T) {
	s := New(t.TempDir())
	item := ReviewItem{ReviewItemID: "r4", MessageID: "m4", RunID: "run1", QueueID: "QUEUE_CLAIMS_STANDARD", Status: ReviewStatusOpen}
	_, etag, err := s.PutReviewItem(item)
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = s.SubmitCorrection(SubmitCorrectionInput{
		QueueID: item.QueueID, ReviewItemID: item.ReviewItemID, MessageID: item.MessageID, RunID: item.RunID,
		ActorType: "HUMAN", ActorID: "agent-1", CreatedAt: "2026-01-01T00:00:00Z",
		Corrections: []Correction{{TargetStage: "CLASSIFY", Ops: []PatchOp{{Op: "move", Path: "/x"}}}},
		IfMatch:     etag,
	})
	if err == nil {
		t.Fatal("expected rejection of a move operation outside add/replace/remove")
	}
}

func TestApplyPatchAddReplaceRemove(t *testing.T) {
	doc := []byte(`{"primary_intent":"INTENT_GENERAL_INQUIRY","risk_flags":["RISK_PRIVACY_SENSITIVE"]}`)
	ops := []PatchOp{
		{Op: "replace", Path: "/primary_intent", Value: json.RawMessage(`"INTENT_COMPLAINT"`)},
		{Op: "add", Path: "/risk_flags/-", Value: json.RawMessage(`"RISK_SECURITY_MALWARE"`)},
		{Op: "remove", Path: "/risk_flags/0"},
	}
	out, err := ApplyPatch(doc, ops)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["primary_intent"] != "INTENT_COMPLAINT" {
		t.Fatalf("expected replace to apply, got %v", decoded["primary_intent"])
	}
	flags, _ := decoded["risk_flags"].([]any)
	if len(flags) != 1 || flags[0] != "RISK_SECURITY_MALWARE" {
		t.Fatalf("expected one remaining risk flag, got %v", flags)
	}
}

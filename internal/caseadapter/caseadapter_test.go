package caseadapter

import (
	"testing"

	"github.com/attendite/ieim/internal/ieimmodel"
)

type fakeAdapter struct {
	created     map[string]string
	createCalls int
	attached    []string
	drafted     []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{created: map[string]string{}}
}

func (f *fakeAdapter) CreateCase(key, queueID, title string) (string, error) {
	if id, ok := f.created[key]; ok {
		return id, nil
	}
	f.createCalls++
	id := "case-" + key[:8]
	f.created[key] = id
	return id, nil
}

func (f *fakeAdapter) AttachArtifact(key, caseID string, artifact ieimmodel.ArtifactRef) error {
	f.attached = append(f.attached, key)
	return nil
}

func (f *fakeAdapter) AddNote(key, caseID, note string) error { return nil }

func (f *fakeAdapter) AddDraftMessage(key, caseID string, draft ieimmodel.Draft) error {
	f.drafted = append(f.drafted, key)
	return nil
}

func (f *fakeAdapter) UpdateCase(key, caseID string, title *string) error { return nil }

func TestProcessNoopWithoutCreateCase(t *testing.T) {
	stage := &Stage{Adapter: newFakeAdapter()}
	out, err := stage.Process(Input{Routing: ieimmodel.RoutingDecision{Actions: []string{}}})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusNoop {
		t.Fatalf("expected NOOP, got %+v", out)
	}
}

func TestProcessBlockedReportsBlockCaseCreate(t *testing.T) {
	stage := &Stage{Adapter: newFakeAdapter()}
	out, err := stage.Process(Input{Routing: ieimmodel.RoutingDecision{
		Actions: []string{"BLOCK_CASE_CREATE"}, FailClosedReason: "AV_INFECTED",
	}})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusBlocked || out.Reason != "AV_INFECTED" {
		t.Fatalf("expected BLOCKED with reason, got %+v", out)
	}
}

func TestProcessCreatesCaseAndAttachesArtifacts(t *testing.T) {
	adapter := newFakeAdapter()
	stage := &Stage{Adapter: adapter}
	in := Input{
		MessageID:          "msg-1",
		RuleID:             "gdpr",
		RuleVersion:        "1.0.0",
		MessageFingerprint: "fp-1",
		Routing: ieimmodel.RoutingDecision{
			QueueID: "QUEUE_PRIVACY_DSR",
			Actions: []string{OpCreateCase, OpAttachOriginalEmail, OpAddRequestInfoDraft},
		},
		Title:            "GDPR request",
		OriginalEmail:    ieimmodel.ArtifactRef{SHA256: "sha256:abc"},
		RequestInfoDraft: &ieimmodel.Draft{Kind: "REQUEST_INFO", Language: "en", Body: "please provide..."},
	}
	out, err := stage.Process(in)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusOK || out.CaseID == "" {
		t.Fatalf("expected OK with case id, got %+v", out)
	}
	if len(adapter.attached) != 1 || len(adapter.drafted) != 1 {
		t.Fatalf("expected one attach and one draft call, got %+v", adapter)
	}

	// Replay with identical coordinates must be idempotent: no new case created.
	out2, err := stage.Process(in)
	if err != nil {
		t.Fatal(err)
	}
	if out2.CaseID != out.CaseID {
		t.Fatalf("expected idempotent replay to return same case id, got %s vs %s", out2.CaseID, out.CaseID)
	}
	if adapter.createCalls != 1 {
		t.Fatalf("expected exactly one underlying create call, got %d", adapter.createCalls)
	}
}

func TestProcessFailsClosedWhenRequiredDraftMissing(t *testing.T) {
	stage := &Stage{Adapter: newFakeAdapter()}
	out, err := stage.Process(Input{
		Routing: ieimmodel.RoutingDecision{Actions: []string{OpCreateCase, OpAddReplyDraft}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusFailed {
		t.Fatalf("expected FAILED when required draft missing, got %+v", out)
	}
}

func TestNeedsReviewTriggers(t *testing.T) {
	cases := []struct {
		routing ieimmodel.RoutingDecision
		want    bool
	}{
		{ieimmodel.RoutingDecision{QueueID: "QUEUE_INTAKE_REVIEW_GENERAL"}, true},
		{ieimmodel.RoutingDecision{FailClosed: true}, true},
		{ieimmodel.RoutingDecision{Actions: []string{"BLOCK_CASE_CREATE"}}, true},
		{ieimmodel.RoutingDecision{QueueID: "QUEUE_CLAIMS_STANDARD", Actions: []string{OpCreateCase}}, false},
	}
	for _, c := range cases {
		if got := NeedsReview(c.routing); got != c.want {
			t.Fatalf("NeedsReview(%+v) = %v, want %v", c.routing, got, c.want)
		}
	}
}

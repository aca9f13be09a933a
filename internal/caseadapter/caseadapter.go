// Package caseadapter implements the case-adapter stage (component J): it
// turns a routing decision into idempotent calls against a small case-
// management adapter interface, recording BLOCKED/failure outcomes without
// partial side effects. Grounded in the teacher's internal/case/domain
// aggregate shape (Case/CaseStatus/Priority) and internal/case/api/http.go's
// request-handling style, generalized from the teacher's SQL-backed case
// store to the spec's adapter-interface boundary (no direct DB dependency
// here; a concrete adapter is wired by the caller).
package caseadapter

import (
	"github.com/attendite/ieim/internal/determinism"
	"github.com/attendite/ieim/internal/ieimmodel"
)

// FailureQueueID is where failed case-create attempts are routed for human
// follow-up, per §4.J.
const FailureQueueID = "QUEUE_CASE_CREATE_FAILURE_REVIEW"

const (
	OpCreateCase         = "CREATE_CASE"
	OpAttachOriginalEmail = "ATTACH_ORIGINAL_EMAIL"
	OpAddRequestInfoDraft = "ADD_REQUEST_INFO_DRAFT"
	OpAddReplyDraft       = "ADD_REPLY_DRAFT"
)

// Adapter is the small interface a concrete case-management backend
// implements. Keys are idempotency tokens: repeated calls with the same key
// are no-ops returning the original identifier (§6).
type Adapter interface {
	CreateCase(key, queueID, title string) (caseID string, err error)
	AttachArtifact(key, caseID string, artifact ieimmodel.ArtifactRef) error
	AddNote(key, caseID, note string) error
	AddDraftMessage(key, caseID string, draft ieimmodel.Draft) error
	UpdateCase(key, caseID string, title *string) error
}

// Input bundles everything the case stage needs to act on a routed message.
type Input struct {
	MessageID      string
	RuleID         string
	RuleVersion    string
	MessageFingerprint string
	Routing        ieimmodel.RoutingDecision
	Title          string
	OriginalEmail  ieimmodel.ArtifactRef
	Attachments    []ieimmodel.ArtifactRef
	RequestInfoDraft *ieimmodel.Draft
	ReplyDraft       *ieimmodel.Draft
}

// Outcome reports what the case stage did for one message.
type Outcome struct {
	Status  string // NOOP, BLOCKED, OK, FAILED
	CaseID  string
	Reason  string
}

const (
	StatusNoop    = "NOOP"
	StatusBlocked = "BLOCKED"
	StatusOK      = "OK"
	StatusFailed  = "FAILED"
)

// Stage drives the case adapter using idempotency keys derived from
// (message_fingerprint, rule_id, rule_version, operation_tag).
type Stage struct {
	Adapter Adapter
}

func hasAction(actions []string, action string) bool {
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}

// idempotencyKey derives the per-operation idempotency token (§4.J/§6).
func (s *Stage) idempotencyKey(in Input, operationTag string) (string, error) {
	return determinism.DecisionHash(map[string]any{
		"message_fingerprint": in.MessageFingerprint,
		"rule_id":             in.RuleID,
		"rule_version":        in.RuleVersion,
		"operation_tag":       operationTag,
	})
}

// Process applies the routing decision's actions against the adapter. It
// returns NOOP when CREATE_CASE is absent, BLOCKED when BLOCK_CASE_CREATE is
// present, and otherwise performs the case-create plus attach/draft
// sequence idempotently. Any failure short-circuits with no further calls
// and is reported as FAILED with FailureQueueID as the caller's follow-up
// queue; the caller is responsible for still appending an audit event.
func (s *Stage) Process(in Input) (Outcome, error) {
	actions := in.Routing.Actions

	if hasAction(actions, "BLOCK_CASE_CREATE") {
		return Outcome{Status: StatusBlocked, Reason: in.Routing.FailClosedReason}, nil
	}
	if !hasAction(actions, OpCreateCase) {
		return Outcome{Status: StatusNoop}, nil
	}

	if hasAction(actions, OpAddRequestInfoDraft) && in.RequestInfoDraft == nil {
		return Outcome{Status: StatusFailed, Reason: "required ADD_REQUEST_INFO_DRAFT draft missing"}, nil
	}
	if hasAction(actions, OpAddReplyDraft) && in.ReplyDraft == nil {
		return Outcome{Status: StatusFailed, Reason: "required ADD_REPLY_DRAFT draft missing"}, nil
	}

	createKey, err := s.idempotencyKey(in, OpCreateCase)
	if err != nil {
		return Outcome{}, err
	}
	caseID, err := s.Adapter.CreateCase(createKey, in.Routing.QueueID, in.Title)
	if err != nil {
		return Outcome{Status: StatusFailed, Reason: err.Error()}, nil
	}

	if hasAction(actions, OpAttachOriginalEmail) {
		key, err := s.idempotencyKey(in, OpAttachOriginalEmail)
		if err != nil {
			return Outcome{}, err
		}
		if err := s.Adapter.AttachArtifact(key, caseID, in.OriginalEmail); err != nil {
			return Outcome{Status: StatusFailed, CaseID: caseID, Reason: err.Error()}, nil
		}
	}

	for _, att := range in.Attachments {
		tag := "ATTACH:" + att.SHA256
		key, err := s.idempotencyKey(in, tag)
		if err != nil {
			return Outcome{}, err
		}
		if err := s.Adapter.AttachArtifact(key, caseID, att); err != nil {
			return Outcome{Status: StatusFailed, CaseID: caseID, Reason: err.Error()}, nil
		}
	}

	if hasAction(actions, OpAddRequestInfoDraft) {
		key, err := s.idempotencyKey(in, OpAddRequestInfoDraft)
		if err != nil {
			return Outcome{}, err
		}
		if err := s.Adapter.AddDraftMessage(key, caseID, *in.RequestInfoDraft); err != nil {
			return Outcome{Status: StatusFailed, CaseID: caseID, Reason: err.Error()}, nil
		}
	}

	if hasAction(actions, OpAddReplyDraft) {
		key, err := s.idempotencyKey(in, OpAddReplyDraft)
		if err != nil {
			return Outcome{}, err
		}
		if err := s.Adapter.AddDraftMessage(key, caseID, *in.ReplyDraft); err != nil {
			return Outcome{Status: StatusFailed, CaseID: caseID, Reason: err.Error()}, nil
		}
	}

	return Outcome{Status: StatusOK, CaseID: caseID}, nil
}

// NeedsReview reports whether the spec's review-item trigger condition
// holds for a routing decision (§4.K): queue name contains REVIEW, or
// fail_closed, or actions contain BLOCK_CASE_CREATE/ADD_REQUEST_INFO_DRAFT/
// ADD_REPLY_DRAFT.
func NeedsReview(routing ieimmodel.RoutingDecision) bool {
	if routing.FailClosed {
		return true
	}
	if containsSubstring(routing.QueueID, "REVIEW") {
		return true
	}
	for _, a := range routing.Actions {
		if a == "BLOCK_CASE_CREATE" || a == OpAddRequestInfoDraft || a == OpAddReplyDraft {
			return true
		}
	}
	return false
}

func containsSubstring(s, sub string) bool {
	if len(sub) == 0 {
		return true
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

// Package pipeline implements per-message pipeline orchestration and the
// reprocess job (component M): identity -> classify (+LLM) -> extract
// (+LLM) -> route -> case -> (optional) HITL, each stage writing its
// artifact then its audit event, plus a reprocess path that re-derives
// decision hashes under a fresh run_id and reports OK/MISMATCH/
// REVIEW_REQUIRED. Grounded in the teacher's internal/coordination
// service.go orchestration loop (poll/dispatch/finalize-with-audit
// structure), generalized here to the spec's deterministic-then-LLM-
// fallback stage sequence.
package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/attendite/ieim/internal/audit"
	"github.com/attendite/ieim/internal/caseadapter"
	"github.com/attendite/ieim/internal/classify"
	"github.com/attendite/ieim/internal/determinism"
	"github.com/attendite/ieim/internal/hitl"
	"github.com/attendite/ieim/internal/identity"
	"github.com/attendite/ieim/internal/ieimerrors"
	"github.com/attendite/ieim/internal/ieimmodel"
	"github.com/attendite/ieim/internal/llm"
	"github.com/attendite/ieim/internal/metrics"
	"github.com/attendite/ieim/internal/route"
)

var reprocessNamespace = uuid.MustParse("2f7e9c4b-1a3d-4e6f-9c2b-8a1d6f3e5b07")

// Deps bundles every collaborator the orchestrator needs for one message.
type Deps struct {
	Lookup        identity.Lookup
	CRM           identity.CRM
	ScoringConfig identity.ScoringConfig

	SupportedLanguages []string
	IBANPolicy         classify.IBANPolicy

	LLMProvider  llm.Provider
	LLMCache     *llm.Cache
	LLMCounter   *llm.DailyCounter
	LLMMaxPerDay int
	LLMEnabled   bool
	DeterminismMode bool

	Ruleset  *route.Ruleset
	Incident route.Incident

	CaseAdapter caseadapter.Adapter

	Audit *audit.Log
	HITL  *hitl.Store

	ArtifactDir string // root for identity/classification/extraction/routing artifacts
	ConfigRef   ieimmodel.ArtifactRef
	RulesRef    ieimmodel.ArtifactRef
	SystemID    string
	CanonicalSpecSemver string
}

// Result summarizes what orchestration produced for one message.
type Result struct {
	Identity       ieimmodel.IdentityResult
	Classification ieimmodel.ClassificationResult
	Extraction     ieimmodel.ExtractionResult
	Routing        ieimmodel.RoutingDecision
	Case           caseadapter.Outcome
	ReviewItemID   string
}

// Run drives one normalized message through E->F->G->H->J->K sequentially.
func (d *Deps) Run(ctx context.Context, msg ieimmodel.NormalizedMessage, attachmentTexts map[string]string, attachmentDocTypes []string, anyAttachmentUnclean, allAttachmentsClean bool, originalEmail ieimmodel.ArtifactRef, attachmentRefs []ieimmodel.ArtifactRef) (Result, error) {
	var result Result
	stageStart := time.Now()

	// E: identity
	hits := identity.ExtractHits(msg.SubjectC14N, msg.BodyC14N, attachmentTexts)
	hasHighRisk := identity.HasHighRiskMarkers(msg.BodyC14N)
	status, selected, topK, err := identity.Resolve(d.ScoringConfig, hits, d.Lookup, hasHighRisk, d.CRM, msg.From)
	if err != nil {
		return result, err
	}
	identityResult := ieimmodel.IdentityResult{
		SchemaID:  "urn:ieim:schema:identity_result:1.0.0",
		MessageID: msg.MessageID,
		RunID:     msg.RunID,
		Status:    status,
		TopK:      topK,
	}
	if selected != nil {
		identityResult.SelectedEntityType = selected.EntityType
		identityResult.SelectedEntityID = selected.EntityID
		identityResult.SelectedScore = selected.Score
	}
	identityHash, err := determinism.DecisionHash(map[string]any{
		"system_id": d.SystemID, "stage": "IDENTITY", "message_fingerprint": msg.MessageFingerprint,
		"status": status,
	})
	if err != nil {
		return result, err
	}
	identityResult.DecisionHash = identityHash
	identityRef, err := d.writeArtifact("identity", msg.MessageID, identityResult)
	if err != nil {
		return result, err
	}
	if err := d.appendAudit(msg.MessageID, msg.RunID, audit.Event{
		Stage: "IDENTITY", ActorType: audit.ActorSystem, CreatedAt: nowRFC3339(),
		OutputRef: &identityRef, DecisionHash: identityHash,
	}); err != nil {
		return result, err
	}
	result.Identity = identityResult
	metrics.RecordStageProcessed("IDENTITY", time.Since(stageStart))
	stageStart = time.Now()

	// F: classify (deterministic first, LLM fallback gated)
	classification := classify.Classify(classify.Input{
		SubjectC14N: msg.SubjectC14N, BodyC14N: msg.BodyC14N, Language: msg.Language,
		SupportedLanguages: d.SupportedLanguages, AnyAttachmentUnclean: anyAttachmentUnclean,
		HasAttachments: len(msg.AttachmentIDs) > 0,
	})
	classification.MessageID = msg.MessageID
	classification.RunID = msg.RunID

	primaryConfidence := 0.0
	for _, intent := range classification.Intents {
		if intent.Label == classification.PrimaryIntent {
			primaryConfidence = intent.Confidence
		}
	}
	gateOpen := llm.ClassificationGateOpen(llm.GateInput{
		LLMEnabled: d.LLMEnabled, DeterminismMode: d.DeterminismMode,
		MinConfidenceForAuto: 0.8, PrimaryIntentConfidence: primaryConfidence,
		DeterministicRiskFlags: classification.RiskFlags,
	})
	llmClassificationUsed := gateOpen && d.LLMProvider != nil
	if llmClassificationUsed {
		if err := d.runClassificationLLM(ctx, &classification, msg); err != nil {
			return result, err
		}
	}

	classificationHash, err := determinism.DecisionHash(map[string]any{
		"system_id": d.SystemID, "stage": "CLASSIFY", "message_fingerprint": msg.MessageFingerprint,
		"primary_intent": classification.PrimaryIntent, "product_line": classification.ProductLine.Label,
	})
	if err != nil {
		return result, err
	}
	classification.DecisionHash = classificationHash
	classificationRef, err := d.writeArtifact("classification", msg.MessageID, classification)
	if err != nil {
		return result, err
	}
	if err := d.appendAudit(msg.MessageID, msg.RunID, audit.Event{
		Stage: "CLASSIFY", ActorType: audit.ActorSystem, CreatedAt: nowRFC3339(),
		OutputRef: &classificationRef, DecisionHash: classificationHash,
	}); err != nil {
		return result, err
	}
	result.Classification = classification
	metrics.RecordStageProcessed("CLASSIFY", time.Since(stageStart))
	stageStart = time.Now()

	// F: extract
	extraction := ieimmodel.ExtractionResult{
		SchemaID: "urn:ieim:schema:extraction_result:1.0.0", MessageID: msg.MessageID, RunID: msg.RunID,
		Entities: classify.Extract(classify.ExtractInput{
			SubjectC14N: msg.SubjectC14N, BodyC14N: msg.BodyC14N,
			AttachmentDocTypes: attachmentDocTypes, AllAttachmentsClean: allAttachmentsClean, IBAN: d.IBANPolicy,
		}),
	}
	if llm.ExtractionGateOpen(llmClassificationUsed, len(extraction.Entities)) && d.LLMProvider != nil {
		if err := d.runExtractionLLM(ctx, &extraction, msg); err != nil {
			return result, err
		}
	}
	extractionRef, err := d.writeArtifact("extraction", msg.MessageID, extraction)
	if err != nil {
		return result, err
	}
	if err := d.appendAudit(msg.MessageID, msg.RunID, audit.Event{
		Stage: "EXTRACT", ActorType: audit.ActorSystem, CreatedAt: nowRFC3339(),
		OutputRef: &extractionRef,
	}); err != nil {
		return result, err
	}
	result.Extraction = extraction
	metrics.RecordStageProcessed("EXTRACT", time.Since(stageStart))
	stageStart = time.Now()

	// H: route
	riskLabels := labelsOf(classification.RiskFlags)
	sort.Strings(riskLabels)
	then, ruleID := route.Evaluate(d.Ruleset, route.Facts{
		RiskFlags: riskLabels, PrimaryIntent: classification.PrimaryIntent,
		IdentityStatus: status, ProductLine: classification.ProductLine.Label,
	}, d.Incident)

	routing := ieimmodel.RoutingDecision{
		SchemaID: "urn:ieim:schema:routing_decision:1.0.0", MessageID: msg.MessageID, RunID: msg.RunID,
		QueueID: then.QueueID, SLAID: then.SLAID, Priority: then.Priority, Actions: then.Actions,
		RuleID: ruleID, RuleVersion: d.Ruleset.RulesetVersion, FailClosed: then.FailClosed, FailClosedReason: then.FailClosedReason,
	}
	routingHash, err := determinism.DecisionHash(map[string]any{
		"system_id": d.SystemID, "stage": "ROUTE", "message_fingerprint": msg.MessageFingerprint,
		"queue_id": routing.QueueID, "rule_id": routing.RuleID,
	})
	if err != nil {
		return result, err
	}
	routing.DecisionHash = routingHash
	routingRef, err := d.writeArtifact("routing", msg.MessageID, routing)
	if err != nil {
		return result, err
	}
	if err := d.appendAudit(msg.MessageID, msg.RunID, audit.Event{
		Stage: "ROUTE", ActorType: audit.ActorSystem, CreatedAt: nowRFC3339(),
		OutputRef: &routingRef, DecisionHash: routingHash,
	}); err != nil {
		return result, err
	}
	result.Routing = routing
	metrics.RecordStageProcessed("ROUTE", time.Since(stageStart))
	metrics.RecordRoutingDecision(routing.QueueID, routing.FailClosed)
	stageStart = time.Now()

	// J: case
	var requestInfoDraft *ieimmodel.Draft
	if hasAction(then.Actions, caseadapter.OpAddRequestInfoDraft) {
		requestInfoDraft = &ieimmodel.Draft{Kind: "REQUEST_INFO", Language: msg.Language, Body: identity.RequestForInfoDraft(msg.Language)}
	}
	caseStage := caseadapter.Stage{Adapter: d.CaseAdapter}
	caseOutcome, err := caseStage.Process(caseadapter.Input{
		MessageID: msg.MessageID, RuleID: ruleID, RuleVersion: d.Ruleset.RulesetVersion,
		MessageFingerprint: msg.MessageFingerprint, Routing: routing, Title: msg.Subject,
		OriginalEmail: originalEmail, Attachments: attachmentRefs, RequestInfoDraft: requestInfoDraft,
	})
	if err != nil {
		return result, err
	}
	if err := d.appendAudit(msg.MessageID, msg.RunID, audit.Event{
		Stage: "CASE", ActorType: audit.ActorSystem, CreatedAt: nowRFC3339(),
	}); err != nil {
		return result, err
	}
	result.Case = caseOutcome
	metrics.RecordStageProcessed("CASE", time.Since(stageStart))
	metrics.RecordCaseAdapterOutcome(caseOutcome.Status)

	// K: HITL
	if caseadapter.NeedsReview(routing) {
		reviewItemID, err := determinism.DecisionHash(map[string]any{"queue_id": routing.QueueID, "message_id": msg.MessageID, "run_id": msg.RunID})
		if err != nil {
			return result, err
		}
		item := hitl.ReviewItem{
			ReviewItemID: reviewItemID, MessageID: msg.MessageID, RunID: msg.RunID, QueueID: routing.QueueID,
			Status: hitl.ReviewStatusOpen, ArtifactRefs: attachmentRefs,
		}
		if _, _, err := d.HITL.PutReviewItem(item); err != nil {
			return result, err
		}
		if err := d.appendAudit(msg.MessageID, msg.RunID, audit.Event{
			Stage: "HITL", ActorType: audit.ActorSystem, CreatedAt: nowRFC3339(),
		}); err != nil {
			return result, err
		}
		result.ReviewItemID = reviewItemID
		metrics.RecordReviewItemCreated(routing.QueueID)
	}

	return result, nil
}

func (d *Deps) runClassificationLLM(ctx context.Context, classification *ieimmodel.ClassificationResult, msg ieimmodel.NormalizedMessage) error {
	ok, err := d.LLMCounter.IncrementIfUnderCap(time.Now(), d.LLMMaxPerDay)
	if err != nil {
		return err
	}
	if !ok {
		metrics.RecordLLMCall("CLASSIFY", "cap_exceeded")
		classification.PrimaryIntent = classify.IntentGeneralInquiry
		return nil
	}

	redactedSubject := llm.Redact(msg.SubjectC14N)
	redactedBody := llm.Redact(msg.BodyC14N)

	schema, err := llm.CompileSchema("classification.json", llm.ClassificationContractSchema)
	if err != nil {
		return err
	}

	cacheKey, err := llm.CacheKey(llm.CacheKeyInput{
		Stage: "CLASSIFY", Provider: "anthropic", ModelName: "claude", ModelVersion: "1",
		PromptVersion: "1", MessageFingerprint: msg.MessageFingerprint,
	})
	if err != nil {
		return err
	}

	var raw string
	if cached, found, err := d.LLMCache.Get(cacheKey); err != nil {
		return err
	} else if found {
		metrics.RecordLLMCall("CLASSIFY", "hit")
		raw = cached
	} else {
		resp, err := d.LLMProvider.ChatJSON(ctx, "", "classify this inbound insurance email", redactedSubject+"\n"+redactedBody, 512)
		if err != nil {
			metrics.RecordLLMCall("CLASSIFY", "fail_closed")
			classification.PrimaryIntent = llm.FailClosedClassification().Label
			return nil
		}
		metrics.RecordLLMCall("CLASSIFY", "miss")
		raw = llm.StripCodeFence(resp.Content)
		if err := d.LLMCache.Put(cacheKey, raw); err != nil {
			return err
		}
	}

	item, err := llm.ParseClassificationContract(schema, raw, redactedSubject, redactedBody)
	if err != nil {
		metrics.RecordLLMCall("CLASSIFY", "fail_closed")
		classification.PrimaryIntent = llm.FailClosedClassification().Label
		return nil
	}
	classification.PrimaryIntent = item.Label
	classification.ModelInfo = &ieimmodel.ModelInfo{Provider: "anthropic", ModelName: "claude", PromptVersion: "1"}
	return nil
}

// runExtractionLLM runs the extraction LLM fallback, permitted only after
// LLM classification ran and only when deterministic extraction found
// nothing (§4.G's ExtractionGateOpen precondition).
func (d *Deps) runExtractionLLM(ctx context.Context, extraction *ieimmodel.ExtractionResult, msg ieimmodel.NormalizedMessage) error {
	ok, err := d.LLMCounter.IncrementIfUnderCap(time.Now(), d.LLMMaxPerDay)
	if err != nil {
		return err
	}
	if !ok {
		metrics.RecordLLMCall("EXTRACT", "cap_exceeded")
		return nil
	}

	redactedSubject := llm.Redact(msg.SubjectC14N)
	redactedBody := llm.Redact(msg.BodyC14N)

	schema, err := llm.CompileSchema("extraction.json", llm.ExtractionContractSchema)
	if err != nil {
		return err
	}

	cacheKey, err := llm.CacheKey(llm.CacheKeyInput{
		Stage: "EXTRACT", Provider: "anthropic", ModelName: "claude", ModelVersion: "1",
		PromptVersion: "1", MessageFingerprint: msg.MessageFingerprint,
	})
	if err != nil {
		return err
	}

	var raw string
	if cached, found, err := d.LLMCache.Get(cacheKey); err != nil {
		return err
	} else if found {
		metrics.RecordLLMCall("EXTRACT", "hit")
		raw = cached
	} else {
		resp, err := d.LLMProvider.ChatJSON(ctx, "", "extract entities from this inbound insurance email", redactedSubject+"\n"+redactedBody, 512)
		if err != nil {
			metrics.RecordLLMCall("EXTRACT", "fail_closed")
			return nil
		}
		metrics.RecordLLMCall("EXTRACT", "miss")
		raw = llm.StripCodeFence(resp.Content)
		if err := d.LLMCache.Put(cacheKey, raw); err != nil {
			return err
		}
	}

	entities, err := llm.ParseExtractionContract(schema, raw, redactedSubject, redactedBody)
	if err != nil {
		metrics.RecordLLMCall("EXTRACT", "fail_closed")
		return nil
	}
	extraction.Entities = append(extraction.Entities, entities...)
	return nil
}

func labelsOf(items []ieimmodel.LabeledItem) []string {
	out := make([]string, 0, len(items))
	for _, i := range items {
		out = append(out, i.Label)
	}
	return out
}

func hasAction(actions []string, action string) bool {
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}

func (d *Deps) writeArtifact(kind, messageID string, v any) (ieimmodel.ArtifactRef, error) {
	path := filepath.Join(d.ArtifactDir, kind, messageID+".json")
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ieimmodel.ArtifactRef{}, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "pipeline: marshal artifact", err)
	}
	sha := determinism.Sha256Prefixed(encoded)

	if existing, readErr := os.ReadFile(path); readErr == nil {
		if determinism.Sha256Prefixed(existing) != sha {
			return ieimmodel.ArtifactRef{}, ieimerrors.New(ieimerrors.KindImmutabilityViolation, "pipeline: "+kind+" artifact exists with different content")
		}
		return ieimmodel.ArtifactRef{URI: path, SHA256: sha}, nil
	} else if !os.IsNotExist(readErr) {
		return ieimmodel.ArtifactRef{}, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "pipeline: read artifact", readErr)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ieimmodel.ArtifactRef{}, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "pipeline: mkdir artifact dir", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return ieimmodel.ArtifactRef{}, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "pipeline: write artifact temp file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return ieimmodel.ArtifactRef{}, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "pipeline: atomic rename artifact", err)
	}
	return ieimmodel.ArtifactRef{URI: path, SHA256: sha}, nil
}

func (d *Deps) appendAudit(messageID, runID string, event audit.Event) error {
	if _, err := d.Audit.Append(messageID, runID, event); err != nil {
		return err
	}
	metrics.RecordAuditEvent()
	return nil
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339) }

// ReprocessOutcome is the result of re-running a message's pipeline under a
// fresh run_id and comparing decision hashes to the historical run.
type ReprocessOutcome struct {
	Status       string // OK, MISMATCH, REVIEW_REQUIRED
	NewRunID      string
	MismatchStage string
}

const (
	ReprocessOK             = "OK"
	ReprocessMismatch       = "MISMATCH"
	ReprocessReviewRequired = "REVIEW_REQUIRED"
)

// NewReprocessRunID derives the fresh run_id for a reprocess job.
func NewReprocessRunID(messageID, historicalRunID string) string {
	return uuid.NewSHA1(reprocessNamespace, []byte("reprocess:"+messageID+":"+historicalRunID)).String()
}

// VerifyRawHashesMatch checks that the raw MIME and attachment-text hashes
// the reprocess job observes still match the historical normalized record,
// short-circuiting reprocessing with REVIEW_REQUIRED on any mismatch.
func VerifyRawHashesMatch(historical ieimmodel.NormalizedMessage, currentRawSHA256 string, currentAttachmentSHAs map[string]string, historicalAttachmentSHAs map[string]string) bool {
	if historical.RawMimeSHA256 != currentRawSHA256 {
		return false
	}
	for id, sha := range historicalAttachmentSHAs {
		if currentAttachmentSHAs[id] != sha {
			return false
		}
	}
	return true
}

// CompareDecisionHashes reports OK when every stage's new decision_hash
// matches its historical counterpart, or MISMATCH naming the first stage
// that differs.
func CompareDecisionHashes(historical, current map[string]string) ReprocessOutcome {
	stages := make([]string, 0, len(historical))
	for stage := range historical {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	for _, stage := range stages {
		if historical[stage] != current[stage] {
			return ReprocessOutcome{Status: ReprocessMismatch, MismatchStage: stage}
		}
	}
	return ReprocessOutcome{Status: ReprocessOK}
}

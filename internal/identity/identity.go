// Package identity implements the identity resolver (component E):
// deterministic regex extraction of claim/policy identifiers, backend
// lookups, weighted-signal scoring, and confirmed/probable/review/no-
// candidate status selection. Grounded in classify's evidence-span helpers
// and in normalize's canonical-text conventions; scoring arithmetic follows
// determinism.QuantizeHalfUp/Clip01 for reproducibility across platforms.
package identity

import (
	"regexp"
	"sort"
	"strings"

	"github.com/attendite/ieim/internal/determinism"
	"github.com/attendite/ieim/internal/ieimmodel"
)

const (
	StatusConfirmed   = "IDENTITY_CONFIRMED"
	StatusProbable    = "IDENTITY_PROBABLE"
	StatusNeedsReview = "IDENTITY_NEEDS_REVIEW"
	StatusNoCandidate = "IDENTITY_NO_CANDIDATE"
)

// Strength classifies how strong an individual matched signal is; status
// selection keys off the strongest strength among a candidate's signals.
type Strength string

const (
	StrengthHard   Strength = "HARD"
	StrengthMedium Strength = "MEDIUM"
	StrengthSoft   Strength = "SOFT"
)

var (
	claimNumberRe  = regexp.MustCompile(`clm-\d{4}-\d{4}`)
	policyNumberRe = regexp.MustCompile(`\d{2}-\d{7}`)
)

const (
	KindClaimNumber  = "CLAIM_NUMBER"
	KindPolicyNumber = "POLICY_NUMBER"

	// SigSenderEmailMatch is the signal kind added to a POLICY_NUMBER
	// candidate when the message's sender email is among the CRM's known
	// policyholder emails for that policy number (resolver.py:152-163).
	// It is the only signal the original ever configures at MEDIUM
	// strength, which is what makes IDENTITY_PROBABLE reachable.
	SigSenderEmailMatch = "SIG_SENDER_EMAIL_MATCH"
)

// signalName maps an internal signal kind to the original's more
// descriptive SIG_* output name (resolver.py:130-163).
func signalName(kind string) string {
	switch kind {
	case KindClaimNumber:
		return "SIG_CLAIM_NUMBER_LOOKUP_MATCH"
	case KindPolicyNumber:
		return "SIG_POLICY_NUMBER_LOOKUP_MATCH"
	default:
		return kind
	}
}

// CRM is the backend lookup used to find the sender-email medium-strength
// signal: given a policyholder's email, the policy numbers on file for
// them (ieim/identity/adapters.py CRMAdapter).
type CRM interface {
	PolicyNumbersForSenderEmail(email string) ([]string, error)
}

// IdentifierHit is one deterministic regex match used to drive a backend
// lookup.
type IdentifierHit struct {
	Kind    string
	Value   string
	Source  ieimmodel.EvidenceSource
	Start   int
	End     int
	Snippet string
}

// highRiskMarkers flags the message as review-worthy even absent any
// candidate (Open Question (a): whether this list is exhaustive or
// configurable is left unresolved upstream -- fixed here per spec text).
var highRiskMarkers = []string{"ombudsmann", "anwalt", "frist"}

// ExtractHits finds at most one CLAIM_NUMBER and one POLICY_NUMBER hit
// across subject_c14n, body_c14n, and attachment texts, in that precedence
// order per source.
func ExtractHits(subjectC14N, bodyC14N string, attachmentTexts map[string]string) []IdentifierHit {
	var hits []IdentifierHit

	if h, ok := firstHit(KindClaimNumber, claimNumberRe, ieimmodel.SourceSubjectC14N, subjectC14N, ""); ok {
		hits = append(hits, h)
	} else if h, ok := firstHit(KindClaimNumber, claimNumberRe, ieimmodel.SourceBodyC14N, bodyC14N, ""); ok {
		hits = append(hits, h)
	} else if h, ok := firstAttachmentHit(KindClaimNumber, claimNumberRe, attachmentTexts); ok {
		hits = append(hits, h)
	}

	if h, ok := firstHit(KindPolicyNumber, policyNumberRe, ieimmodel.SourceSubjectC14N, subjectC14N, ""); ok {
		hits = append(hits, h)
	} else if h, ok := firstHit(KindPolicyNumber, policyNumberRe, ieimmodel.SourceBodyC14N, bodyC14N, ""); ok {
		hits = append(hits, h)
	} else if h, ok := firstAttachmentHit(KindPolicyNumber, policyNumberRe, attachmentTexts); ok {
		hits = append(hits, h)
	}

	return hits
}

func firstHit(kind string, re *regexp.Regexp, source ieimmodel.EvidenceSource, text, attachmentID string) (IdentifierHit, bool) {
	loc := re.FindStringIndex(text)
	if loc == nil {
		return IdentifierHit{}, false
	}
	value := text[loc[0]:loc[1]]
	if kind == KindClaimNumber {
		value = strings.ToUpper(value)
	}
	return IdentifierHit{Kind: kind, Value: value, Source: source, Start: loc[0], End: loc[1], Snippet: text[loc[0]:loc[1]]}, true
}

func firstAttachmentHit(kind string, re *regexp.Regexp, attachmentTexts map[string]string) (IdentifierHit, bool) {
	ids := make([]string, 0, len(attachmentTexts))
	for id := range attachmentTexts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if h, ok := firstHit(kind, re, ieimmodel.SourceAttachmentText, attachmentTexts[id], id); ok {
			h.Source = ieimmodel.SourceAttachmentText
			return h, true
		}
	}
	return IdentifierHit{}, false
}

// Lookup is a backend lookup for one identifier hit: claims/policy adapters
// return a candidate record when the identifier is known, or ok=false when
// not found.
type Lookup interface {
	Find(hit IdentifierHit) (Record, bool, error)
}

// Record is what a backend lookup returns for a known identifier.
type Record struct {
	EntityType string
	EntityID   string
}

// SignalConfig is one configured (weight, strength) pair keyed by the kind
// of hit/lookup outcome that produced it.
type SignalConfig struct {
	Weight   float64
	Strength Strength
}

// ScoringConfig parametrizes the score formula and status thresholds.
type ScoringConfig struct {
	Intercept          float64
	Slope              float64
	Signals            map[string]SignalConfig // keyed by hit.Kind, e.g. "CLAIM_NUMBER", "POLICY_NUMBER"
	ConfirmedMinScore  float64
	ConfirmedMinMargin float64
	ProbableMinScore   float64
	ProbableMinMargin  float64
	TopK               int
}

// candidateAccum accumulates signals for one (entity_type, entity_id) pair
// before scoring. hasHard/hasMedium are independent booleans, not a single
// "max strength" value: a policy candidate can carry both a HARD base
// signal and a MEDIUM sender-email-match signal at once
// (ieim/identity/resolver.py candidate dict's _has_hard/_has_medium).
type candidateAccum struct {
	entityType string
	entityID   string
	weighted   float64
	hasHard    bool
	hasMedium  bool
	signals    []string
	evidence   []ieimmodel.Evidence
}

// addSignal applies a signal's (weight, strength) to the accumulator and
// records its name. withEvidence is false for SIG_SENDER_EMAIL_MATCH: the
// original's evidence list only ever contains the policy hit's own span,
// never a second entry for the CRM match (resolver.py:152-163).
func (a *candidateAccum) addSignal(kind string, sigCfg SignalConfig, hit IdentifierHit, withEvidence bool) {
	a.weighted += sigCfg.Weight * strengthValue(sigCfg.Strength)
	switch sigCfg.Strength {
	case StrengthHard:
		a.hasHard = true
	case StrengthMedium:
		a.hasMedium = true
	}
	a.signals = append(a.signals, signalName(kind))
	if withEvidence {
		a.evidence = append(a.evidence, ieimmodel.Evidence{
			Source:          hit.Source,
			Start:           hit.Start,
			End:             hit.End,
			SnippetRedacted: hit.Snippet,
			SnippetSHA256:   determinism.Sha256Prefixed([]byte(hit.Snippet)),
		})
	}
}

// Resolve runs the full E pipeline: hit extraction is the caller's
// responsibility (it needs the canonical texts), Resolve takes the hits plus
// their lookup results and produces the IdentityResult's decision fields
// (status, selected candidate, top_k) -- decision_hash is computed by the
// caller via determinism.DecisionHash using the shared decision-input shape.
func Resolve(cfg ScoringConfig, hits []IdentifierHit, lookup Lookup, hasHighRiskMarkers bool, crm CRM, senderEmail string) (status string, selected *ieimmodel.IdentityCandidate, topK []ieimmodel.IdentityCandidate, err error) {
	accum := map[string]*candidateAccum{}

	for _, hit := range hits {
		record, found, lookupErr := lookup.Find(hit)
		if lookupErr != nil {
			return "", nil, nil, lookupErr
		}
		if !found {
			continue
		}
		sigCfg, ok := cfg.Signals[hit.Kind]
		if !ok {
			continue
		}
		key := record.EntityType + ":" + record.EntityID
		a, exists := accum[key]
		if !exists {
			a = &candidateAccum{entityType: record.EntityType, entityID: record.EntityID}
			accum[key] = a
		}
		a.addSignal(hit.Kind, sigCfg, hit, true)

		if hit.Kind == KindPolicyNumber && crm != nil && senderEmail != "" {
			policyNumbers, crmErr := crm.PolicyNumbersForSenderEmail(senderEmail)
			if crmErr != nil {
				return "", nil, nil, crmErr
			}
			if emailSigCfg, ok := cfg.Signals[SigSenderEmailMatch]; ok && containsString(policyNumbers, hit.Value) {
				a.addSignal(SigSenderEmailMatch, emailSigCfg, hit, false)
			}
		}
	}

	var candidates []*candidateAccum
	for _, a := range accum {
		candidates = append(candidates, a)
	}
	sort.Slice(candidates, func(i, j int) bool {
		si := determinism.QuantizeHalfUp(determinism.Clip01(cfg.Intercept + cfg.Slope*candidates[i].weighted))
		sj := determinism.QuantizeHalfUp(determinism.Clip01(cfg.Intercept + cfg.Slope*candidates[j].weighted))
		if si != sj {
			return si > sj
		}
		if candidates[i].entityType != candidates[j].entityType {
			return candidates[i].entityType < candidates[j].entityType
		}
		return candidates[i].entityID < candidates[j].entityID
	})

	topK = make([]ieimmodel.IdentityCandidate, 0, len(candidates))
	for i, a := range candidates {
		score := determinism.QuantizeHalfUp(determinism.Clip01(cfg.Intercept + cfg.Slope*a.weighted))
		topK = append(topK, ieimmodel.IdentityCandidate{
			Rank:       i + 1,
			EntityType: a.entityType,
			EntityID:   a.entityID,
			Score:      score,
			Signals:    a.signals,
			Evidence:   a.evidence,
		})
		if cfg.TopK > 0 && i+1 >= cfg.TopK {
			break
		}
	}

	if len(candidates) == 0 {
		if hasHighRiskMarkers {
			return StatusNeedsReview, nil, topK, nil
		}
		return StatusNoCandidate, nil, topK, nil
	}

	top := candidates[0]
	topScore := determinism.QuantizeHalfUp(determinism.Clip01(cfg.Intercept + cfg.Slope*top.weighted))
	var second float64
	if len(candidates) > 1 {
		second = determinism.QuantizeHalfUp(determinism.Clip01(cfg.Intercept + cfg.Slope*candidates[1].weighted))
	}
	margin := determinism.QuantizeHalfUp(topScore - second)

	switch {
	case top.hasHard && topScore >= cfg.ConfirmedMinScore && margin >= cfg.ConfirmedMinMargin:
		status = StatusConfirmed
	case top.hasMedium && topScore >= cfg.ProbableMinScore && margin >= cfg.ProbableMinMargin:
		status = StatusProbable
	default:
		status = StatusNeedsReview
	}

	if status == StatusConfirmed || status == StatusProbable {
		selected = &ieimmodel.IdentityCandidate{
			Rank: 1, EntityType: top.entityType, EntityID: top.entityID, Score: topScore,
			Signals: top.signals, Evidence: top.evidence,
		}
	}
	return status, selected, topK, nil
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func strengthValue(s Strength) float64 {
	switch s {
	case StrengthHard:
		return 1.0
	case StrengthMedium:
		return 0.6
	default:
		return 0.3
	}
}

// HasHighRiskMarkers reports whether body_c14n contains any of the fixed
// high-risk substrings used to force IDENTITY_NEEDS_REVIEW when no candidate
// was found.
func HasHighRiskMarkers(bodyC14N string) bool {
	for _, m := range highRiskMarkers {
		if strings.Contains(bodyC14N, m) {
			return true
		}
	}
	return false
}

// RequestForInfoDraft produces the language-appropriate request-for-info
// draft emitted whenever the outcome is review/no-candidate.
func RequestForInfoDraft(language string) string {
	switch language {
	case "de":
		return "Um Ihre Anfrage zuzuordnen, benötigen wir Ihre Schaden- oder Policennummer. Bitte antworten Sie mit diesen Angaben."
	case "es":
		return "Para identificar su solicitud necesitamos su número de siniestro o de póliza. Responda con esta información."
	default:
		return "To match your request to an existing case we need your claim or policy number. Please reply with this information."
	}
}

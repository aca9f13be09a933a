package classify

import (
	"regexp"
	"sort"
	"strings"

	"github.com/attendite/ieim/internal/determinism"
	"github.com/attendite/ieim/internal/ieimmodel"
)

const (
	EntPolicyNumber = "ENT_POLICY_NUMBER"
	EntClaimNumber  = "ENT_CLAIM_NUMBER"
	EntDate         = "ENT_DATE"
	EntLocation     = "ENT_LOCATION"
	EntIBAN         = "ENT_IBAN"
	EntDocumentType = "ENT_DOCUMENT_TYPE"
)

var (
	policyNumberRe = regexp.MustCompile(`\d{2}-\d{7}`)
	claimNumberRe  = regexp.MustCompile(`clm-\d{4}-\d{4}`)
	extractDateRe  = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	locationOrtRe  = regexp.MustCompile(`\bort:\s+([a-zäöüß-]{2,})\b`)
	locationInRe   = regexp.MustCompile(`\bin\s+([a-zäöüß-]{2,})\b`)
	ibanRe         = regexp.MustCompile(`\b[A-Za-z]{2}\d{2}[A-Za-z0-9]{10,30}\b`)
)

// IBANPolicy mirrors pack.IBANPolicy without importing the pack package
// (extraction must not depend on the config loader).
type IBANPolicy struct {
	Enabled   bool
	StoreMode string // FULL | HASH_ONLY
}

// ExtractInput is the canonical texts plus attachment doc-type candidates
// the extractor reads.
type ExtractInput struct {
	SubjectC14N          string
	BodyC14N             string
	AttachmentDocTypes   []string // harvested only when AllAttachmentsClean
	AllAttachmentsClean  bool
	IBAN                 IBANPolicy
}

// Extract runs the deterministic entity extractor over subject_c14n and
// body_c14n.
func Extract(in ExtractInput) []ieimmodel.Entity {
	var out []ieimmodel.Entity

	// ENT_POLICY_NUMBER searches body before subject (extractor.py:79-81).
	if e, ok := extractRegexEntity(EntPolicyNumber, policyNumberRe, 0.95, false, bodyFirst(in.BodyC14N, in.SubjectC14N)); ok {
		out = append(out, e)
	}
	// ENT_CLAIM_NUMBER searches subject before body.
	if e, ok := extractRegexEntity(EntClaimNumber, claimNumberRe, 0.95, true, subjectFirst(in.SubjectC14N, in.BodyC14N)); ok {
		out = append(out, e)
	}
	// ENT_DATE only ever searches body_c14n, no subject fallback.
	if e, ok := extractRegexEntity(EntDate, extractDateRe, 0.9, false, bodyOnly(in.BodyC14N)); ok {
		out = append(out, e)
	}
	if e, ok := extractLocation(in.BodyC14N); ok {
		out = append(out, e)
	}
	if e, ok := extractIBAN(in.BodyC14N, in.IBAN); ok {
		out = append(out, e)
	}
	if in.AllAttachmentsClean && len(in.AttachmentDocTypes) > 0 {
		out = append(out, documentTypeEntities(in.AttachmentDocTypes)...)
	}

	return out
}

// searchCand is one (source, text) candidate; callers pass an ordered list
// of them to search in turn, the first match wins. Per-entity precedence is fixed by the caller
// (extractor.py searches a different order for nearly every entity type).
type searchCand struct {
	source ieimmodel.EvidenceSource
	text   string
}

func bodyFirst(bodyC14N, subjectC14N string) []searchCand {
	return []searchCand{{ieimmodel.SourceBodyC14N, bodyC14N}, {ieimmodel.SourceSubjectC14N, subjectC14N}}
}

func subjectFirst(subjectC14N, bodyC14N string) []searchCand {
	return []searchCand{{ieimmodel.SourceSubjectC14N, subjectC14N}, {ieimmodel.SourceBodyC14N, bodyC14N}}
}

func bodyOnly(bodyC14N string) []searchCand {
	return []searchCand{{ieimmodel.SourceBodyC14N, bodyC14N}}
}

func extractRegexEntity(entityType string, re *regexp.Regexp, confidence float64, upper bool, order []searchCand) (ieimmodel.Entity, bool) {
	for _, cand := range order {
		loc := re.FindStringIndex(cand.text)
		if loc == nil {
			continue
		}
		raw := cand.text[loc[0]:loc[1]]
		value := raw
		if upper {
			value = strings.ToUpper(value)
		}
		ev := span(cand.source, cand.text, loc[0], loc[1])
		return ieimmodel.Entity{
			EntityType: entityType,
			Value:      &value,
			Confidence: confidence,
			Evidence:   []ieimmodel.Evidence{ev},
		}, true
	}
	return ieimmodel.Entity{}, false
}

// extractLocation searches body_c14n only, first against the "ort: <loc>"
// pattern, then the looser "in <loc>" pattern. Neither falls back to
// subject_c14n (extractor.py's _LOC_ORT_RE/_LOC_IN_RE both search body only).
func extractLocation(bodyC14N string) (ieimmodel.Entity, bool) {
	if loc := locationOrtRe.FindStringSubmatchIndex(bodyC14N); loc != nil {
		name := bodyC14N[loc[2]:loc[3]]
		value := capitalize(name)
		ev := span(ieimmodel.SourceBodyC14N, bodyC14N, loc[0], loc[1])
		return ieimmodel.Entity{
			EntityType: EntLocation,
			Value:      &value,
			Confidence: 0.8,
			Evidence:   []ieimmodel.Evidence{ev},
		}, true
	}
	if loc := locationInRe.FindStringSubmatchIndex(bodyC14N); loc != nil {
		name := bodyC14N[loc[2]:loc[3]]
		value := capitalize(name)
		ev := span(ieimmodel.SourceBodyC14N, bodyC14N, loc[2], loc[3])
		return ieimmodel.Entity{
			EntityType: EntLocation,
			Value:      &value,
			Confidence: 0.8,
			Evidence:   []ieimmodel.Evidence{ev},
		}, true
	}
	return ieimmodel.Entity{}, false
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	return strings.ToUpper(string(r[0:1])) + string(r[1:])
}

// extractIBAN searches body_c14n only, with no subject fallback
// (extractor.py:185).
func extractIBAN(bodyC14N string, policy IBANPolicy) (ieimmodel.Entity, bool) {
	if !policy.Enabled {
		return ieimmodel.Entity{}, false
	}
	loc := ibanRe.FindStringIndex(bodyC14N)
	if loc == nil {
		return ieimmodel.Entity{}, false
	}
	raw := bodyC14N[loc[0]:loc[1]]
	normalized := strings.ToUpper(raw)
	ev := span(ieimmodel.SourceBodyC14N, bodyC14N, loc[0], loc[1])
	sha := determinism.Sha256Prefixed([]byte(normalized))

	entity := ieimmodel.Entity{
		EntityType:    EntIBAN,
		Confidence:    0.85,
		Evidence:      []ieimmodel.Evidence{ev},
		StoreMode:     policy.StoreMode,
		ValueSHA256:   sha,
		ValueRedacted: ibanRedact(normalized),
	}
	if policy.StoreMode != "HASH_ONLY" {
		v := normalized
		entity.Value = &v
	}
	return entity, true
}

// ibanRedact mirrors extractor.py's _iban_redact exactly: short values are
// left unchanged, longer ones are truncated to first-4…last-4 -- this is
// NOT length-preserving.
func ibanRedact(v string) string {
	if len(v) <= 8 {
		return v
	}
	return strings.ToLower(v[:4]) + "…" + strings.ToLower(v[len(v)-4:])
}

func documentTypeEntities(candidates []string) []ieimmodel.Entity {
	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)
	out := make([]ieimmodel.Entity, 0, len(sorted))
	for _, c := range sorted {
		v := c
		out = append(out, ieimmodel.Entity{
			EntityType: EntDocumentType,
			Value:      &v,
			Confidence: 0.7,
		})
	}
	return out
}

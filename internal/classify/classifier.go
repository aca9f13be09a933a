// Package classify implements the deterministic classifier (component F):
// intent/risk/product-line/urgency cascades over subject_c14n and
// body_c14n, each label backed by at least one evidence span per §4.F. The
// cascade order, substrings and confidence values are ported field-for-field
// from ieim/classify/classifier.py (see DESIGN.md, Component F).
package classify

import (
	"regexp"
	"strings"

	"github.com/attendite/ieim/internal/ieimmodel"
)

// Input is the canonical text plus attachment AV status the classifier
// operates over. AnyAttachmentUnclean and HasAttachments are precomputed by
// the caller (the classifier never re-derives av_status or attachment
// presence from attachment artifacts itself).
type Input struct {
	SubjectC14N          string
	BodyC14N             string
	Language             string
	SupportedLanguages   []string
	AnyAttachmentUnclean bool
	HasAttachments       bool
}

var urgencyDateRe = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)

// Classify runs the intent/product_line/urgency/risk cascades and returns a
// ClassificationResult with DecisionHash left unset -- the caller computes
// decision_hash via determinism.DecisionHash using the shared decision-input
// shape (it needs message_fingerprint/config_ref, which this package does
// not have access to).
func Classify(in Input) ieimmodel.ClassificationResult {
	intents := classifyIntents(in)
	primary := selectPrimaryIntent(intents)
	product := classifyProductLine(in.SubjectC14N, in.BodyC14N, primary)
	urgency := classifyUrgency(in.SubjectC14N, in.BodyC14N, in.Language, in.SupportedLanguages, primary)
	risks := classifyRisks(in)

	return ieimmodel.ClassificationResult{
		Intents:       intents,
		PrimaryIntent: primary,
		ProductLine:   product,
		Urgency:       urgency,
		RiskFlags:     risks,
	}
}

// classifyIntents ports classifier.py's cascade exactly: INTENT_GDPR_REQUEST
// fires unconditionally on bare "dsgvo"; the exclusive cascade below it only
// runs when GDPR did not fire; INTENT_DOCUMENT_SUBMISSION is then checked
// unconditionally again (it can co-occur with any prior intent, including
// GDPR); and INTENT_GENERAL_INQUIRY is the final fallback only when nothing
// else, including document submission, matched.
func classifyIntents(in Input) []ieimmodel.LabeledItem {
	subject, body := in.SubjectC14N, in.BodyC14N
	var items []ieimmodel.LabeledItem

	if ev, ok := gdprEvidence(subject, body); ok {
		items = append(items, ieimmodel.LabeledItem{Label: IntentGDPRRequest, Confidence: 0.98, Evidence: []ieimmodel.Evidence{ev}})
	}

	if len(items) == 0 {
		switch {
		case strings.Contains(subject, "anwalt"):
			ev, _ := findSpan(ieimmodel.SourceSubjectC14N, subject, "anwalt")
			items = append(items, ieimmodel.LabeledItem{Label: IntentLegal, Confidence: 0.96, Evidence: []ieimmodel.Evidence{ev}})
		case strings.Contains(body, "beschwerde"):
			ev, _ := findSpan(ieimmodel.SourceBodyC14N, body, "beschwerde")
			items = append(items, ieimmodel.LabeledItem{Label: IntentComplaint, Confidence: 0.95, Evidence: []ieimmodel.Evidence{ev}})
		case strings.HasPrefix(subject, "nachreichung"):
			items = append(items, ieimmodel.LabeledItem{Label: IntentClaimUpdate, Confidence: 0.9, Evidence: []ieimmodel.Evidence{firstWordSpan(ieimmodel.SourceSubjectC14N, subject)}})
		case strings.Contains(body, "schaden melden"):
			ev, _ := findSpan(ieimmodel.SourceBodyC14N, body, "schaden melden")
			items = append(items, ieimmodel.LabeledItem{Label: IntentClaimNew, Confidence: 0.92, Evidence: []ieimmodel.Evidence{ev}})
		case strings.HasPrefix(subject, "sturmschaden"):
			items = append(items, ieimmodel.LabeledItem{Label: IntentClaimNew, Confidence: 0.87, Evidence: []ieimmodel.Evidence{firstWordSpan(ieimmodel.SourceSubjectC14N, subject)}})
		case strings.Contains(body, "unfall") || strings.Contains(subject, "unfall"):
			ev, ok := findSpan(ieimmodel.SourceBodyC14N, body, "unfall")
			if !ok {
				ev, _ = findSpan(ieimmodel.SourceSubjectC14N, subject, "unfall")
			}
			items = append(items, ieimmodel.LabeledItem{Label: IntentClaimNew, Confidence: 0.9, Evidence: []ieimmodel.Evidence{ev}})
		case strings.Contains(body, "schaden") && (strings.Contains(body, "versichert") || strings.Contains(body, "anzeige")):
			ev, _ := findSpan(ieimmodel.SourceBodyC14N, body, "schaden")
			items = append(items, ieimmodel.LabeledItem{Label: IntentClaimNew, Confidence: 0.85, Evidence: []ieimmodel.Evidence{ev}})
		case strings.Contains(body, "rückzahlung"):
			ev, _ := findSpan(ieimmodel.SourceBodyC14N, body, "rückzahlung")
			items = append(items, ieimmodel.LabeledItem{Label: IntentBillingQuestion, Confidence: 0.88, Evidence: []ieimmodel.Evidence{ev}})
		case strings.HasPrefix(subject, "im auftrag"):
			items = append(items, ieimmodel.LabeledItem{Label: IntentBrokerIntermediary, Confidence: 0.9, Evidence: []ieimmodel.Evidence{firstWordSpan(ieimmodel.SourceSubjectC14N, subject)}})
		case strings.HasPrefix(subject, "undelivered"):
			items = append(items, ieimmodel.LabeledItem{Label: IntentTechnical, Confidence: 0.9, Evidence: []ieimmodel.Evidence{firstWordSpan(ieimmodel.SourceSubjectC14N, subject)}})
		}
	}

	if ev, conf, ok := documentSubmissionEvidence(subject, body, in.HasAttachments); ok {
		items = append(items, ieimmodel.LabeledItem{Label: IntentDocumentSubmission, Confidence: conf, Evidence: []ieimmodel.Evidence{ev}})
	}

	if len(items) == 0 {
		ev, ok := findSpan(ieimmodel.SourceBodyC14N, body, "informacion")
		if !ok {
			ev = first20CharsSpan(ieimmodel.SourceBodyC14N, body)
		}
		items = append(items, ieimmodel.LabeledItem{Label: IntentGeneralInquiry, Confidence: 0.55, Evidence: []ieimmodel.Evidence{ev}})
	}
	return items
}

func gdprEvidence(subject, body string) (ieimmodel.Evidence, bool) {
	if ev, ok := findSpan(ieimmodel.SourceSubjectC14N, subject, "dsgvo"); ok {
		return ev, true
	}
	if ev, ok := findSpan(ieimmodel.SourceBodyC14N, body, "dsgvo"); ok {
		return ev, true
	}
	if strings.Contains(subject, "dsgvo") || strings.Contains(body, "dsgvo") {
		return first20CharsSpan(ieimmodel.SourceBodyC14N, body), true
	}
	return ieimmodel.Evidence{}, false
}

func documentSubmissionEvidence(subject, body string, hasAttachments bool) (ieimmodel.Evidence, float64, bool) {
	if ev, ok := findSpan(ieimmodel.SourceSubjectC14N, subject, "anbei"); ok {
		return ev, 0.8, true
	}
	if ev, ok := findSpan(ieimmodel.SourceBodyC14N, body, "anbei eine fotobeschreibung"); ok {
		return ev, 0.65, true
	}
	if ev, ok := findSpan(ieimmodel.SourceBodyC14N, body, "anbei"); ok {
		conf := 0.55
		if hasAttachments {
			conf = 0.7
		}
		return ev, conf, true
	}
	return ieimmodel.Evidence{}, 0, false
}

func selectPrimaryIntent(intents []ieimmodel.LabeledItem) string {
	if len(intents) == 0 {
		return IntentGeneralInquiry
	}
	best := intents[0].Label
	bestIdx := priorityIndex(best)
	for _, it := range intents[1:] {
		if idx := priorityIndex(it.Label); idx < bestIdx {
			best = it.Label
			bestIdx = idx
		}
	}
	return best
}

var claimNumberLikeRe = regexp.MustCompile(`\bclm-\d{4}-\d{4}\b`)

func classifyProductLine(subjectC14N, bodyC14N, primaryIntent string) ieimmodel.LabeledItem {
	switch {
	case strings.Contains(bodyC14N, "dach"):
		ev, _ := findSpan(ieimmodel.SourceBodyC14N, bodyC14N, "dach")
		return ieimmodel.LabeledItem{Label: ProdProperty, Confidence: 0.75, Evidence: []ieimmodel.Evidence{ev}}
	case strings.Contains(bodyC14N, "unfall") || strings.Contains(subjectC14N, "auffahrunfall"):
		ev, ok := findSpan(ieimmodel.SourceSubjectC14N, subjectC14N, "schadenmeldung")
		if !ok {
			ev, ok = findSpan(ieimmodel.SourceBodyC14N, bodyC14N, "unfall")
		}
		if !ok {
			ev = first20CharsSpan(ieimmodel.SourceSubjectC14N, subjectC14N)
		}
		return ieimmodel.LabeledItem{Label: ProdAuto, Confidence: 0.8, Evidence: []ieimmodel.Evidence{ev}}
	case claimNumberLikeRe.MatchString(subjectC14N):
		loc := claimNumberLikeRe.FindStringIndex(subjectC14N)
		return ieimmodel.LabeledItem{Label: ProdAuto, Confidence: 0.6, Evidence: []ieimmodel.Evidence{span(ieimmodel.SourceSubjectC14N, subjectC14N, loc[0], loc[1])}}
	}

	switch primaryIntent {
	case IntentGDPRRequest:
		ev, ok := findSpan(ieimmodel.SourceSubjectC14N, subjectC14N, "dsgvo")
		if !ok {
			ev = first20CharsSpan(ieimmodel.SourceBodyC14N, bodyC14N)
		}
		return ieimmodel.LabeledItem{Label: ProdUnknown, Confidence: 0.5, Evidence: []ieimmodel.Evidence{ev}}
	case IntentBillingQuestion:
		ev, ok := findSpan(ieimmodel.SourceBodyC14N, bodyC14N, "rückzahlung")
		if !ok {
			ev = first20CharsSpan(ieimmodel.SourceBodyC14N, bodyC14N)
		}
		return ieimmodel.LabeledItem{Label: ProdUnknown, Confidence: 0.45, Evidence: []ieimmodel.Evidence{ev}}
	default:
		return ieimmodel.LabeledItem{Label: ProdUnknown, Confidence: 0.4, Evidence: []ieimmodel.Evidence{first20CharsSpan(ieimmodel.SourceBodyC14N, bodyC14N)}}
	}
}

func classifyUrgency(subjectC14N, bodyC14N, language string, supportedLanguages []string, primaryIntent string) ieimmodel.LabeledItem {
	switch {
	case strings.Contains(bodyC14N, "sofort"):
		ev, _ := findSpan(ieimmodel.SourceBodyC14N, bodyC14N, "sofort")
		return ieimmodel.LabeledItem{Label: UrgHigh, Confidence: 0.75, Evidence: []ieimmodel.Evidence{ev}}
	case strings.Contains(bodyC14N, "frist"):
		ev, _ := findSpan(ieimmodel.SourceBodyC14N, bodyC14N, "frist")
		return ieimmodel.LabeledItem{Label: UrgCritical, Confidence: 0.85, Evidence: []ieimmodel.Evidence{ev}}
	case primaryIntent == IntentGDPRRequest && strings.Contains(bodyC14N, "auskunft"):
		ev, _ := findSpan(ieimmodel.SourceBodyC14N, bodyC14N, "auskunft")
		return ieimmodel.LabeledItem{Label: UrgCritical, Confidence: 0.8, Evidence: []ieimmodel.Evidence{ev}}
	case strings.Contains(bodyC14N, "prüfen") && strings.Contains(bodyC14N, "bitte"):
		ev, _ := findSpan(ieimmodel.SourceBodyC14N, bodyC14N, "prüfen")
		return ieimmodel.LabeledItem{Label: UrgHigh, Confidence: 0.6, Evidence: []ieimmodel.Evidence{ev}}
	}

	if loc := urgencyDateRe.FindStringIndex(bodyC14N); loc != nil && strings.Contains(bodyC14N, "dach") {
		return ieimmodel.LabeledItem{Label: UrgNormal, Confidence: 0.7, Evidence: []ieimmodel.Evidence{span(ieimmodel.SourceBodyC14N, bodyC14N, loc[0], loc[1])}}
	}
	if ev, ok := findSpan(ieimmodel.SourceBodyC14N, bodyC14N, "bitte bestätigen"); ok {
		return ieimmodel.LabeledItem{Label: UrgNormal, Confidence: 0.6, Evidence: []ieimmodel.Evidence{ev}}
	}
	if strings.Contains(subjectC14N, "schadenmeldung") {
		ev, _ := findSpan(ieimmodel.SourceSubjectC14N, subjectC14N, "schadenmeldung")
		return ieimmodel.LabeledItem{Label: UrgNormal, Confidence: 0.7, Evidence: []ieimmodel.Evidence{ev}}
	}
	if strings.Contains(subjectC14N, "undelivered") {
		ev, _ := findSpan(ieimmodel.SourceSubjectC14N, subjectC14N, "undelivered")
		return ieimmodel.LabeledItem{Label: UrgNormal, Confidence: 0.55, Evidence: []ieimmodel.Evidence{ev}}
	}
	if !isSupported(language, supportedLanguages) {
		return ieimmodel.LabeledItem{Label: UrgNormal, Confidence: 0.6, Evidence: []ieimmodel.Evidence{first20CharsSpan(ieimmodel.SourceSubjectC14N, subjectC14N)}}
	}
	if ev, ok := findSpan(ieimmodel.SourceBodyC14N, bodyC14N, "bitte"); ok {
		conf := 0.6
		if primaryIntent == IntentBrokerIntermediary {
			conf = 0.55
		}
		return ieimmodel.LabeledItem{Label: UrgNormal, Confidence: conf, Evidence: []ieimmodel.Evidence{ev}}
	}
	return ieimmodel.LabeledItem{Label: UrgNormal, Confidence: 0.6, Evidence: []ieimmodel.Evidence{first20CharsSpan(ieimmodel.SourceSubjectC14N, subjectC14N)}}
}

// riskRule is one entry in the fixed risk precedence order (§4.F); the
// first matching rule wins and no further rules are evaluated.
type riskRule struct {
	label   string
	conf    float64
	matches func(Input) (ieimmodel.Evidence, bool)
}

var riskPrecedence = []riskRule{
	{RiskSecurityMalware, 0.95, func(in Input) (ieimmodel.Evidence, bool) {
		if !in.AnyAttachmentUnclean {
			return ieimmodel.Evidence{}, false
		}
		if ev, ok := findSpan(ieimmodel.SourceBodyC14N, in.BodyC14N, "anbei"); ok {
			return ev, true
		}
		if ev, ok := findSpan(ieimmodel.SourceSubjectC14N, in.SubjectC14N, "anbei"); ok {
			return ev, true
		}
		return firstWordSpan(ieimmodel.SourceSubjectC14N, in.SubjectC14N), true
	}},
	{RiskLanguageUnsupported, 0.95, func(in Input) (ieimmodel.Evidence, bool) {
		if isSupported(in.Language, in.SupportedLanguages) {
			return ieimmodel.Evidence{}, false
		}
		return firstWordSpan(ieimmodel.SourceSubjectC14N, in.SubjectC14N), true
	}},
	{RiskRegulatory, 0.8, func(in Input) (ieimmodel.Evidence, bool) {
		return substrRiskEvidence(in.BodyC14N, "ombudsmann")
	}},
	{RiskPrivacySensitive, 0.85, func(in Input) (ieimmodel.Evidence, bool) {
		return substrRiskEvidence(in.BodyC14N, "iban")
	}},
	{RiskPrivacySensitive, 0.8, func(in Input) (ieimmodel.Evidence, bool) {
		return substrRiskEvidence(in.BodyC14N, "dsgvo")
	}},
	{RiskLegalThreat, 0.9, func(in Input) (ieimmodel.Evidence, bool) {
		return substrRiskEvidence(in.BodyC14N, "frist")
	}},
	{RiskAutoreplyLoop, 0.8, func(in Input) (ieimmodel.Evidence, bool) {
		return substrRiskEvidence(in.BodyC14N, "automatically generated")
	}},
}

// substrRiskEvidence gates on substr being present in bodyC14N, mirroring
// the original's `find_span(...) or first_20_chars_span(body)`: the span
// lookup degrades to the first-20-chars fallback only if the substring
// indexing itself ever disagreed with the substring test (never happens in
// practice, kept for parity with the original's defensive fallback).
func substrRiskEvidence(bodyC14N, substr string) (ieimmodel.Evidence, bool) {
	if !strings.Contains(bodyC14N, substr) {
		return ieimmodel.Evidence{}, false
	}
	if ev, ok := findSpan(ieimmodel.SourceBodyC14N, bodyC14N, substr); ok {
		return ev, true
	}
	return first20CharsSpan(ieimmodel.SourceBodyC14N, bodyC14N), true
}

func classifyRisks(in Input) []ieimmodel.LabeledItem {
	var out []ieimmodel.LabeledItem
	for _, rule := range riskPrecedence {
		if len(out) > 0 {
			break
		}
		if ev, ok := rule.matches(in); ok {
			out = append(out, ieimmodel.LabeledItem{Label: rule.label, Confidence: rule.conf, Evidence: []ieimmodel.Evidence{ev}})
		}
	}
	return out
}

func isSupported(lang string, supported []string) bool {
	if len(supported) == 0 {
		return lang == "en"
	}
	for _, s := range supported {
		if s == lang {
			return true
		}
	}
	return false
}

// Package llm implements the gated LLM fallback and remapping stage
// (component G): a gate that decides whether a call is permitted, a
// provider call behind a small interface, JSON-Schema contract validation,
// re-grounding of returned evidence to canonical-text offsets, a persistent
// daily call counter, and an immutable response cache. Redaction follows the
// regex-detection style of the teacher's internal/privacy PrivacyGuard
// (email/identifier pattern matching), adapted to mask in place rather than
// strip, so offsets computed against the redacted text stay meaningful.
package llm

import "regexp"

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	ibanPattern  = regexp.MustCompile(`\b[A-Za-z]{2}\d{2}[A-Za-z0-9]{10,30}\b`)
)

// Redact masks emails and IBANs in text in place, preserving length so
// evidence offsets computed against the redacted text remain valid when
// re-grounded against the original canonical text (§4.G).
func Redact(text string) string {
	text = emailPattern.ReplaceAllStringFunc(text, maskKeepLength)
	text = ibanPattern.ReplaceAllStringFunc(text, maskKeepLength)
	return text
}

func maskKeepLength(match string) string {
	runes := []rune(match)
	out := make([]rune, len(runes))
	for i := range runes {
		if runes[i] == '@' || runes[i] == '.' {
			out[i] = runes[i]
			continue
		}
		out[i] = '*'
	}
	return string(out)
}

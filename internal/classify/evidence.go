package classify

import (
	"strings"
	"unicode/utf8"

	"github.com/attendite/ieim/internal/determinism"
	"github.com/attendite/ieim/internal/ieimmodel"
)

// span builds an Evidence from an explicit [start,end) byte range.
func span(source ieimmodel.EvidenceSource, text string, start, end int) ieimmodel.Evidence {
	snippet := text[start:end]
	return ieimmodel.Evidence{
		Source:          source,
		Start:           start,
		End:             end,
		SnippetRedacted: snippet,
		SnippetSHA256:   determinism.Sha256Prefixed([]byte(snippet)),
	}
}

// findSpan locates the first occurrence of substr in text and returns its
// Evidence, or ok=false if not present.
func findSpan(source ieimmodel.EvidenceSource, text, substr string) (ieimmodel.Evidence, bool) {
	idx := strings.Index(text, substr)
	if idx < 0 {
		return ieimmodel.Evidence{}, false
	}
	return span(source, text, idx, idx+len(substr)), true
}

// firstWordSpan returns the evidence span covering the first whitespace-
// delimited token of text.
func firstWordSpan(source ieimmodel.EvidenceSource, text string) ieimmodel.Evidence {
	trimmedStart := 0
	for trimmedStart < len(text) && text[trimmedStart] == ' ' {
		trimmedStart++
	}
	end := trimmedStart
	for end < len(text) && text[end] != ' ' && text[end] != '\n' && text[end] != '\t' {
		end++
	}
	if end == trimmedStart {
		end = min(len(text), trimmedStart+1)
	}
	return span(source, text, trimmedStart, end)
}

// first20CharsSpan returns the evidence span covering the first 20 runes of
// text (used as a generic fallback evidence when no specific marker was
// matched).
func first20CharsSpan(source ieimmodel.EvidenceSource, text string) ieimmodel.Evidence {
	n := 0
	end := 0
	for end < len(text) && n < 20 {
		_, size := utf8.DecodeRuneInString(text[end:])
		end += size
		n++
	}
	return span(source, text, 0, end)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Package normalize parses a raw RFC 5322/2045 MIME message into a
// NormalizedMessage: stable identity, lowercased canonical text for evidence
// offsets, and a message fingerprint. Grounded in ieim/normalize.py. Go's
// net/mail + mime/multipart cover the parsing; no MIME library appears
// anywhere in the retrieval pack, so stdlib is used here deliberately (see
// DESIGN.md).
package normalize

import (
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"sort"
	"strings"

	"github.com/attendite/ieim/internal/determinism"
	"github.com/attendite/ieim/internal/ieimerrors"
)

// languageMarkers is a fixed lookup of marker substrings used for the
// deterministic language guess, mirroring the original's simple heuristic
// (no statistical language-id model is in scope).
var languageMarkers = map[string][]string{
	"de": {"ombudsmann", "versicherung", "schaden", "bitte", "anbei", "frist"},
	"es": {"informacion", "gracias", "saludos"},
}

func DetectLanguage(text string) string {
	lower := strings.ToLower(text)
	best := "en"
	bestHits := 0
	langs := make([]string, 0, len(languageMarkers))
	for lang := range languageMarkers {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	for _, lang := range langs {
		markers := languageMarkers[lang]
		hits := 0
		for _, m := range markers {
			if strings.Contains(lower, m) {
				hits++
			}
		}
		if hits > bestHits {
			bestHits = hits
			best = lang
		}
	}
	return best
}

// Canonicalize lowercases text, preserving length/byte-offsets so evidence
// spans computed against it remain valid.
func Canonicalize(s string) string {
	return strings.ToLower(s)
}

// Parsed holds the envelope fields extracted from raw MIME bytes before
// identity/fingerprint derivation, which callers (the ingest runner) combine
// with source-specific metadata (message_id namespace, ingested_at).
type Parsed struct {
	From            string
	To              []string
	Cc              []string
	Subject         string
	Body            string
	InternetMessageID string
	InReplyTo       string
}

// Parse extracts the envelope and body text from raw MIME bytes. From and To
// are required; a message lacking either fails NORMALIZATION_INVALID.
func Parse(raw []byte) (Parsed, error) {
	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		return Parsed{}, ieimerrors.Wrap(ieimerrors.KindNormalizationInvalid, "normalize: parse MIME", err)
	}

	from := decodeHeaderAddr(msg.Header.Get("From"))
	to := decodeHeaderAddrList(msg.Header.Get("To"))
	if from == "" {
		return Parsed{}, ieimerrors.New(ieimerrors.KindNormalizationInvalid, "normalize: From header is required")
	}
	if len(to) == 0 {
		return Parsed{}, ieimerrors.New(ieimerrors.KindNormalizationInvalid, "normalize: To header is required")
	}

	cc := decodeHeaderAddrList(msg.Header.Get("Cc"))
	subject, err := (&mime.WordDecoder{}).DecodeHeader(msg.Header.Get("Subject"))
	if err != nil {
		subject = msg.Header.Get("Subject")
	}

	body, err := extractBody(msg.Header.Get("Content-Type"), msg.Body)
	if err != nil {
		return Parsed{}, err
	}

	return Parsed{
		From:              from,
		To:                to,
		Cc:                cc,
		Subject:           subject,
		Body:              body,
		InternetMessageID: strings.Trim(msg.Header.Get("Message-ID"), "<>"),
		InReplyTo:         strings.Trim(msg.Header.Get("In-Reply-To"), "<>"),
	}, nil
}

func extractBody(contentType string, r io.Reader) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// No/invalid Content-Type: treat the whole body as plain text.
		data, readErr := io.ReadAll(r)
		if readErr != nil {
			return "", ieimerrors.Wrap(ieimerrors.KindNormalizationInvalid, "normalize: read body", readErr)
		}
		return string(data), nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(r, params["boundary"])
		var firstTextPlain string
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return "", ieimerrors.Wrap(ieimerrors.KindNormalizationInvalid, "normalize: read multipart", err)
			}
			partType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
			if partType == "text/plain" && firstTextPlain == "" {
				data, _ := io.ReadAll(part)
				firstTextPlain = string(data)
			}
		}
		return firstTextPlain, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", ieimerrors.Wrap(ieimerrors.KindNormalizationInvalid, "normalize: read body", err)
	}
	return string(data), nil
}

func decodeHeaderAddr(header string) string {
	addrs := decodeHeaderAddrList(header)
	if len(addrs) == 0 {
		return ""
	}
	return addrs[0]
}

func decodeHeaderAddrList(header string) []string {
	if strings.TrimSpace(header) == "" {
		return nil
	}
	list, err := mail.ParseAddressList(header)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, strings.ToLower(a.Address))
	}
	return out
}

// Fingerprint computes message_fingerprint = sha256(jcs(...)) over the
// identity-relevant fields, sorted where the original sorts them. Wall-clock
// and generated ids never enter this hash.
func Fingerprint(attachmentIDs []string, bodyC14N string, ccEmails []string, fromEmail string, inReplyTo string, internetMessageID string, subjectC14N string, toEmails []string) (string, error) {
	sortedAttachments := sortedCopy(attachmentIDs)
	sortedCc := sortedCopy(ccEmails)
	sortedTo := sortedCopy(toEmails)

	input := map[string]any{
		"attachment_ids":       toAnySlice(sortedAttachments),
		"body_text_c14n":       bodyC14N,
		"cc_emails":            toAnySlice(sortedCc),
		"from_email":           fromEmail,
		"in_reply_to":          inReplyTo,
		"internet_message_id":  internetMessageID,
		"subject_c14n":         subjectC14N,
		"to_emails":            toAnySlice(sortedTo),
	}
	return determinism.DecisionHash(input)
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

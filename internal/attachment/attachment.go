// Package attachment implements the attachment stage (component D): for
// each source attachment it persists the raw bytes, runs AV scanning, and
// conditionally extracts text (direct decode for text/* MIME types, OCR for
// image/* when a processor is configured). Grounded in rawstore's
// content-addressed Put and in the teacher's atomic artifact-write
// convention (tmp file + rename) seen throughout internal/document and
// internal/case/infrastructure.
package attachment

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/attendite/ieim/internal/determinism"
	"github.com/attendite/ieim/internal/ieimerrors"
	"github.com/attendite/ieim/internal/ieimmodel"
	"github.com/attendite/ieim/internal/rawstore"
)

// AVStatus is the result of scanning an attachment's bytes.
type AVStatus string

const (
	AVClean      AVStatus = "CLEAN"
	AVInfected   AVStatus = "INFECTED"
	AVSuspicious AVStatus = "SUSPICIOUS"
	AVFailed     AVStatus = "FAILED"
)

// Scanner is the external AV interface (§6): scan(bytes, filename, mime).
type Scanner interface {
	Scan(data []byte, filename, mimeType string) (AVStatus, error)
}

// OCRResult is the output of an OCR processor call.
type OCRResult struct {
	Text       string
	Confidence float64
}

// OCRProcessor is the optional external OCR interface (§6). A nil
// OCRProcessor disables OCR entirely; ocr() returning (nil, nil) means "no
// text recognized".
type OCRProcessor interface {
	OCR(data []byte, filename, mimeType string) (*OCRResult, error)
}

// SourceAttachment is what the mail adapter hands the stage for one
// attachment before processing.
type SourceAttachment struct {
	SourceAttachmentID string
	Filename           string
	MimeType           string
	Data               []byte
	DocTypeCandidates  []string
}

// Result is the {attachment_id, raw_ref, artifact_ref} tuple the ingest
// runner needs to build its audit events.
type Result struct {
	Artifact   ieimmodel.AttachmentArtifact
	RawRef     rawstore.Ref
	ArtifactRef ieimmodel.ArtifactRef
}

const schemaAttachmentArtifact = "urn:ieim:schema:attachment_artifact:1.0.0"

// Stage processes attachments for a single message.
type Stage struct {
	Raw         *rawstore.Store
	AV          Scanner
	OCR         OCRProcessor // optional, may be nil
	ArtifactDir string       // directory into which <id>.artifact.json is written
}

// defaultOCRConfidence is Open Question (c): when a processor does not
// report per-word confidence, 0.5 is the specified default, not a guess.
const defaultOCRConfidence = 0.5

// Process runs the full D pipeline for one source attachment against a
// parent message.
func (s *Stage) Process(messageID string, src SourceAttachment) (Result, error) {
	rawRef, err := s.Raw.Put("attachments", src.Data, extFor(src.Filename))
	if err != nil {
		return Result{}, err
	}

	avStatus, err := s.AV.Scan(src.Data, src.Filename, src.MimeType)
	if err != nil {
		avStatus = AVFailed
	}

	attachmentID := deriveAttachmentID(messageID, src.SourceAttachmentID, rawRef.SHA256)

	artifact := ieimmodel.AttachmentArtifact{
		SchemaID:  schemaAttachmentArtifact,
		AttachmentID: attachmentID,
		MessageID: messageID,
		Filename:  src.Filename,
		MimeType:  src.MimeType,
		Size:      rawRef.Size,
		SHA256:    rawRef.SHA256,
		RawURI:    rawRef.URI,
		AVStatus:  string(avStatus),
	}

	if avStatus == AVClean {
		if err := s.extractText(&artifact, src); err != nil {
			return Result{}, err
		}
		artifact.DocTypeCandidates = src.DocTypeCandidates
	}

	artifactRef, err := s.writeArtifact(artifact)
	if err != nil {
		return Result{}, err
	}

	return Result{Artifact: artifact, RawRef: rawRef, ArtifactRef: artifactRef}, nil
}

func (s *Stage) extractText(artifact *ieimmodel.AttachmentArtifact, src SourceAttachment) error {
	switch {
	case strings.HasPrefix(src.MimeType, "text/"):
		text := decodeUTF8Lenient(src.Data)
		ref, err := s.Raw.Put("attachment_text", []byte(text), ".txt")
		if err != nil {
			return err
		}
		artifact.ExtractedTextURI = ref.URI
		artifact.ExtractedTextSHA256 = ref.SHA256
		return nil
	case s.OCR != nil && strings.HasPrefix(src.MimeType, "image/"):
		result, err := s.OCR.OCR(src.Data, src.Filename, src.MimeType)
		if err != nil {
			return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "attachment: OCR call failed", err)
		}
		if result == nil {
			return nil
		}
		ref, err := s.Raw.Put("attachment_text", []byte(result.Text), ".txt")
		if err != nil {
			return err
		}
		artifact.ExtractedTextURI = ref.URI
		artifact.ExtractedTextSHA256 = ref.SHA256
		artifact.OCRApplied = true
		confidence := result.Confidence
		if confidence == 0 {
			confidence = defaultOCRConfidence
		}
		artifact.OCRConfidence = confidence
		return nil
	}
	return nil
}

// decodeUTF8Lenient decodes bytes as UTF-8, substituting the replacement
// character for invalid sequences rather than failing, per §4.D step 4.
func decodeUTF8Lenient(data []byte) string {
	return strings.ToValidUTF8(string(data), "�")
}

func deriveAttachmentID(messageID, sourceAttachmentID, sha256 string) string {
	if _, err := uuid.Parse(sourceAttachmentID); err == nil {
		return sourceAttachmentID
	}
	name := "att:" + messageID + ":" + sourceAttachmentID + ":" + sha256
	return uuid.NewSHA1(attachmentNamespace, []byte(name)).String()
}

// attachmentNamespace is a fixed UUID namespace for uuid5 attachment ids,
// distinct from the run/message/review-item namespaces so collisions across
// id kinds are impossible even with colliding name strings.
var attachmentNamespace = uuid.MustParse("6e4a6f1a-7c1f-4f1e-9b0a-0f2a7d9c6b31")

func (s *Stage) writeArtifact(artifact ieimmodel.AttachmentArtifact) (ieimmodel.ArtifactRef, error) {
	data, err := json.Marshal(artifact)
	if err != nil {
		return ieimmodel.ArtifactRef{}, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "attachment: marshal artifact", err)
	}
	dir := s.ArtifactDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ieimmodel.ArtifactRef{}, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "attachment: mkdir", err)
	}
	target := filepath.Join(dir, artifact.AttachmentID+".artifact.json")
	sha := determinism.Sha256Prefixed(data)

	if existing, err := os.ReadFile(target); err == nil {
		existingSHA := determinism.Sha256Prefixed(existing)
		if existingSHA != sha {
			return ieimmodel.ArtifactRef{}, ieimerrors.New(ieimerrors.KindImmutabilityViolation,
				"attachment: artifact already exists with different content at "+target)
		}
		return ieimmodel.ArtifactRef{SchemaID: artifact.SchemaID, URI: target, SHA256: sha}, nil
	}

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return ieimmodel.ArtifactRef{}, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "attachment: write temp artifact", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return ieimmodel.ArtifactRef{}, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "attachment: atomic rename", err)
	}
	return ieimmodel.ArtifactRef{SchemaID: artifact.SchemaID, URI: target, SHA256: sha}, nil
}

func extFor(filename string) string {
	idx := strings.LastIndexByte(filename, '.')
	if idx < 0 {
		return ""
	}
	return filename[idx:]
}

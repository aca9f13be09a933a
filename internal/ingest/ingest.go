// Package ingest implements the ingest runner (component L): per-tick
// cursor-driven polling of a pluggable mail adapter, raw-bytes dedupe,
// content-addressed storage of the raw MIME, attachment processing, and
// atomic normalized-message writes, with matching audit events. Grounded in
// internal/rawstore/store.go's atomic tmp+rename discipline and the
// teacher's internal/coordination service-tick structure (poll, process
// batch, persist state), generalized from hospital-event polling to mail
// ingestion.
package ingest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/attendite/ieim/internal/attachment"
	"github.com/attendite/ieim/internal/audit"
	"github.com/attendite/ieim/internal/determinism"
	"github.com/attendite/ieim/internal/ieimerrors"
	"github.com/attendite/ieim/internal/ieimmodel"
	"github.com/attendite/ieim/internal/normalize"
	"github.com/attendite/ieim/internal/rawstore"
)

// runNamespace is the fixed uuid5 namespace for run_id derivation, matching
// the attachment package's convention of a stable namespace constant.
var runNamespace = uuid.MustParse("7d3b9a52-3b9d-4b8a-9a1e-9f4b7b2e9a2c")

// Ref is an adapter-opaque reference to one inbound message.
type Ref struct {
	ID string
}

// AttachmentRef is an adapter-opaque reference to one message attachment.
type AttachmentRef struct {
	ID       string
	Filename string
	MimeType string
}

// MailAdapter is the pluggable mail-ingest interface (§6).
type MailAdapter interface {
	ListRefs(cursor string, limit int) (refs []Ref, newCursor string, err error)
	FetchRawMIME(ref Ref) ([]byte, error)
	GetReceivedAt(ref Ref) (time.Time, error)
	ListAttachments(ref Ref) ([]AttachmentRef, error)
	FetchAttachmentBytes(ref Ref, att AttachmentRef) ([]byte, error)
}

// Runner drives one mail adapter through the ingest tick described in §4.L.
type Runner struct {
	Adapter       MailAdapter
	Raw           *rawstore.Store
	Attachments   *attachment.Stage
	Audit         *audit.Log
	NormalizedDir string
	StateDir      string
}

// TickResult summarizes what one Tick processed.
type TickResult struct {
	Processed int
	Skipped   int
	Cursor    string
}

// Tick performs one poll-and-process cycle: read cursor, list up to limit
// refs, ingest each not-yet-seen-by-sha message, persist cursor.
func (r *Runner) Tick(limit int) (TickResult, error) {
	cursor, err := r.readCursor()
	if err != nil {
		return TickResult{}, err
	}
	dedupe, err := r.readDedupe()
	if err != nil {
		return TickResult{}, err
	}

	refs, newCursor, err := r.Adapter.ListRefs(cursor, limit)
	if err != nil {
		return TickResult{}, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: list refs", err)
	}

	result := TickResult{Cursor: newCursor}
	for _, ref := range refs {
		raw, err := r.Adapter.FetchRawMIME(ref)
		if err != nil {
			return TickResult{}, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: fetch raw MIME", err)
		}
		sha := determinism.Sha256Prefixed(raw)
		if dedupe[sha] {
			result.Skipped++
			continue
		}

		if err := r.ingestOne(ref, raw, sha); err != nil {
			return TickResult{}, err
		}
		dedupe[sha] = true
		result.Processed++
	}

	if err := r.writeDedupe(dedupe); err != nil {
		return TickResult{}, err
	}
	if err := r.writeCursor(newCursor); err != nil {
		return TickResult{}, err
	}
	return result, nil
}

func (r *Runner) ingestOne(ref Ref, raw []byte, rawSHA string) error {
	rawRef, err := r.Raw.Put("mime", raw, ".eml")
	if err != nil {
		return err
	}

	messageID := uuid.NewSHA1(runNamespace, []byte("message:"+rawSHA)).String()
	runID := uuid.NewSHA1(runNamespace, []byte("run:"+messageID+":"+rawSHA)).String()

	if _, err := r.Audit.Append(messageID, runID, audit.Event{
		Stage: "INGEST", ActorType: audit.ActorSystem, CreatedAt: nowRFC3339(),
		OutputRef: &ieimmodel.ArtifactRef{URI: rawRef.URI, SHA256: rawRef.SHA256},
	}); err != nil {
		return err
	}

	parsed, err := normalize.Parse(raw)
	if err != nil {
		return err
	}

	receivedAt, err := r.Adapter.GetReceivedAt(ref)
	if err != nil {
		return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: get received_at", err)
	}

	attRefs, err := r.Adapter.ListAttachments(ref)
	if err != nil {
		return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: list attachments", err)
	}

	attachmentIDs := make([]string, 0, len(attRefs))
	for _, attRef := range attRefs {
		data, err := r.Adapter.FetchAttachmentBytes(ref, attRef)
		if err != nil {
			return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: fetch attachment bytes", err)
		}
		attResult, err := r.Attachments.Process(messageID, attachment.SourceAttachment{
			SourceAttachmentID: attRef.ID, Filename: attRef.Filename, MimeType: attRef.MimeType, Data: data,
		})
		if err != nil {
			return err
		}
		attachmentIDs = append(attachmentIDs, attResult.Artifact.AttachmentID)

		if _, err := r.Audit.Append(messageID, runID, audit.Event{
			Stage: "ATTACHMENTS", ActorType: audit.ActorSystem, CreatedAt: nowRFC3339(),
			OutputRef: &ieimmodel.ArtifactRef{URI: attResult.ArtifactRef.URI, SHA256: attResult.ArtifactRef.SHA256},
		}); err != nil {
			return err
		}
	}
	sort.Strings(attachmentIDs)

	subjectC14N := normalize.Canonicalize(parsed.Subject)
	bodyC14N := normalize.Canonicalize(parsed.Body)
	language := normalize.DetectLanguage(parsed.Body)

	fingerprint, err := normalize.Fingerprint(attachmentIDs, bodyC14N, parsed.Cc, parsed.From, parsed.InReplyTo, parsed.InternetMessageID, subjectC14N, parsed.To)
	if err != nil {
		return err
	}

	normalized := ieimmodel.NormalizedMessage{
		SchemaID:          "urn:ieim:schema:normalized_message:1.0.0",
		MessageID:         messageID,
		RunID:             runID,
		IngestedAt:        nowRFC3339(),
		ReceivedAt:        receivedAt.UTC().Format(time.RFC3339),
		From:              parsed.From,
		To:                parsed.To,
		Cc:                parsed.Cc,
		InternetMessageID: parsed.InternetMessageID,
		InReplyTo:         parsed.InReplyTo,
		Subject:           parsed.Subject,
		SubjectC14N:       subjectC14N,
		Body:              parsed.Body,
		BodyC14N:          bodyC14N,
		Language:          language,
		AttachmentIDs:     attachmentIDs,
		RawMimeURI:        rawRef.URI,
		RawMimeSHA256:     rawRef.SHA256,
		MessageFingerprint: fingerprint,
	}

	outRef, err := r.writeNormalized(normalized)
	if err != nil {
		return err
	}

	if _, err := r.Audit.Append(messageID, runID, audit.Event{
		Stage: "NORMALIZE", ActorType: audit.ActorSystem, CreatedAt: nowRFC3339(),
		OutputRef: &outRef,
	}); err != nil {
		return err
	}
	return nil
}

func (r *Runner) writeNormalized(msg ieimmodel.NormalizedMessage) (ieimmodel.ArtifactRef, error) {
	path := filepath.Join(r.NormalizedDir, msg.MessageID+".json")
	encoded, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return ieimmodel.ArtifactRef{}, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: marshal normalized message", err)
	}
	sha := determinism.Sha256Prefixed(encoded)

	if existing, readErr := os.ReadFile(path); readErr == nil {
		if determinism.Sha256Prefixed(existing) != sha {
			return ieimmodel.ArtifactRef{}, ieimerrors.New(ieimerrors.KindImmutabilityViolation, "ingest: normalized message exists with different content")
		}
		return ieimmodel.ArtifactRef{SchemaID: msg.SchemaID, URI: path, SHA256: sha}, nil
	} else if !os.IsNotExist(readErr) {
		return ieimmodel.ArtifactRef{}, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: read normalized message", readErr)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ieimmodel.ArtifactRef{}, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: mkdir normalized dir", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return ieimmodel.ArtifactRef{}, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: write normalized temp file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return ieimmodel.ArtifactRef{}, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: atomic rename normalized message", err)
	}
	return ieimmodel.ArtifactRef{SchemaID: msg.SchemaID, URI: path, SHA256: sha}, nil
}

func (r *Runner) cursorPath() string { return filepath.Join(r.StateDir, "cursor.txt") }
func (r *Runner) dedupePath() string { return filepath.Join(r.StateDir, "dedupe.json") }

func (r *Runner) readCursor() (string, error) {
	data, err := os.ReadFile(r.cursorPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: read cursor", err)
	}
	return string(data), nil
}

func (r *Runner) writeCursor(cursor string) error {
	if err := os.MkdirAll(r.StateDir, 0o755); err != nil {
		return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: mkdir state dir", err)
	}
	tmp := r.cursorPath() + ".tmp"
	if err := os.WriteFile(tmp, []byte(cursor), 0o644); err != nil {
		return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: write cursor temp file", err)
	}
	if err := os.Rename(tmp, r.cursorPath()); err != nil {
		os.Remove(tmp)
		return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: atomic rename cursor", err)
	}
	return nil
}

func (r *Runner) readDedupe() (map[string]bool, error) {
	data, err := os.ReadFile(r.dedupePath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}
		return nil, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: read dedupe set", err)
	}
	var set map[string]bool
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: decode dedupe set", err)
	}
	return set, nil
}

func (r *Runner) writeDedupe(set map[string]bool) error {
	if err := os.MkdirAll(r.StateDir, 0o755); err != nil {
		return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: mkdir state dir", err)
	}
	encoded, err := json.Marshal(set)
	if err != nil {
		return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: marshal dedupe set", err)
	}
	tmp := r.dedupePath() + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: write dedupe temp file", err)
	}
	if err := os.Rename(tmp, r.dedupePath()); err != nil {
		os.Remove(tmp)
		return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "ingest: atomic rename dedupe set", err)
	}
	return nil
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339) }

package caseadapter

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/attendite/ieim/internal/ieimerrors"
	"github.com/attendite/ieim/internal/ieimmodel"
	"github.com/google/uuid"
)

// caseRecord is one case's on-disk state under FilesystemAdapter's base dir.
type caseRecord struct {
	CaseID    string                  `json:"case_id"`
	QueueID   string                  `json:"queue_id"`
	Title     string                  `json:"title"`
	Notes     []string                `json:"notes,omitempty"`
	Artifacts []ieimmodel.ArtifactRef `json:"artifacts,omitempty"`
	Drafts    []ieimmodel.Draft       `json:"drafts,omitempty"`
	Keys      map[string]bool         `json:"keys"` // idempotency keys already applied
}

var casesNamespace = uuid.MustParse("7b6a1e24-4d2c-4f8b-9a3e-0c6d9f2b5a71")

// FilesystemAdapter is a dev/test-corpus case-management backend: one JSON
// file per case under baseDir, keyed by a uuid5 of the CreateCase
// idempotency key. Grounded in the mail ingest FilesystemAdapter and
// rawstore's tmp-then-rename write convention, since no concrete
// case-management system client exists anywhere in the pack to wire a real
// wire-protocol adapter against.
type FilesystemAdapter struct {
	baseDir string
	mu      sync.Mutex
}

func NewFilesystemAdapter(baseDir string) *FilesystemAdapter {
	return &FilesystemAdapter{baseDir: baseDir}
}

func (a *FilesystemAdapter) path(caseID string) string {
	return filepath.Join(a.baseDir, caseID+".json")
}

func (a *FilesystemAdapter) load(caseID string) (*caseRecord, error) {
	data, err := os.ReadFile(a.path(caseID))
	if err != nil {
		return nil, err
	}
	var rec caseRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, ieimerrors.Wrap(ieimerrors.KindConfigInvalid, "caseadapter: decode case record", err)
	}
	return &rec, nil
}

func (a *FilesystemAdapter) save(rec *caseRecord) error {
	if err := os.MkdirAll(a.baseDir, 0o755); err != nil {
		return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "caseadapter: mkdir", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return ieimerrors.Wrap(ieimerrors.KindConfigInvalid, "caseadapter: encode case record", err)
	}
	target := a.path(rec.CaseID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "caseadapter: write tmp", err)
	}
	return os.Rename(tmp, target)
}

func (a *FilesystemAdapter) CreateCase(key, queueID, title string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	caseID := uuid.NewSHA1(casesNamespace, []byte(key)).String()
	rec, err := a.load(caseID)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		rec = &caseRecord{CaseID: caseID, QueueID: queueID, Title: title, Keys: map[string]bool{}}
	}
	if rec.Keys[key] {
		return caseID, nil
	}
	rec.Keys[key] = true
	if err := a.save(rec); err != nil {
		return "", err
	}
	return caseID, nil
}

func (a *FilesystemAdapter) AttachArtifact(key, caseID string, artifact ieimmodel.ArtifactRef) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, err := a.load(caseID)
	if err != nil {
		return ieimerrors.Wrap(ieimerrors.KindNotFound, "caseadapter: attach artifact to unknown case", err)
	}
	if rec.Keys[key] {
		return nil
	}
	rec.Keys[key] = true
	rec.Artifacts = append(rec.Artifacts, artifact)
	return a.save(rec)
}

func (a *FilesystemAdapter) AddNote(key, caseID, note string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, err := a.load(caseID)
	if err != nil {
		return ieimerrors.Wrap(ieimerrors.KindNotFound, "caseadapter: add note to unknown case", err)
	}
	if rec.Keys[key] {
		return nil
	}
	rec.Keys[key] = true
	rec.Notes = append(rec.Notes, note)
	return a.save(rec)
}

func (a *FilesystemAdapter) AddDraftMessage(key, caseID string, draft ieimmodel.Draft) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, err := a.load(caseID)
	if err != nil {
		return ieimerrors.Wrap(ieimerrors.KindNotFound, "caseadapter: add draft to unknown case", err)
	}
	if rec.Keys[key] {
		return nil
	}
	rec.Keys[key] = true
	rec.Drafts = append(rec.Drafts, draft)
	return a.save(rec)
}

func (a *FilesystemAdapter) UpdateCase(key, caseID string, title *string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, err := a.load(caseID)
	if err != nil {
		return ieimerrors.Wrap(ieimerrors.KindNotFound, "caseadapter: update unknown case", err)
	}
	if rec.Keys[key] {
		return nil
	}
	rec.Keys[key] = true
	if title != nil {
		rec.Title = *title
	}
	return a.save(rec)
}

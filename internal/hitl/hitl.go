// Package hitl implements the human-in-the-loop review store and correction
// pipeline (component K): idempotent review-item writes, optimistic-
// concurrency correction submission, and a JSON-Patch interpreter scoped to
// add/replace/remove. Grounded in internal/rawstore/store.go's hash-first,
// atomic tmp+rename write discipline (repurposed here for ETag-guarded
// overwrite rather than pure content addressing) and internal/audit's
// canonical-hash-before-compare principle for correction replay detection.
package hitl

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/attendite/ieim/internal/determinism"
	"github.com/attendite/ieim/internal/ieimerrors"
	"github.com/attendite/ieim/internal/ieimmodel"
)

const (
	schemaReviewItem  = "urn:ieim:schema:review_item:1.0.0"
	schemaCorrection  = "urn:ieim:schema:correction_record:1.0.0"
)

// ReviewItemStatus values.
const (
	ReviewStatusOpen     = "OPEN"
	ReviewStatusResolved = "RESOLVED"
)

// ReviewItem is a unit of human review, written when routing demands one.
type ReviewItem struct {
	SchemaID    string                 `json:"schema_id"`
	ReviewItemID string                `json:"review_item_id"`
	MessageID   string                 `json:"message_id"`
	RunID       string                 `json:"run_id"`
	QueueID     string                 `json:"queue_id"`
	Status      string                 `json:"status"`
	ArtifactRefs []ieimmodel.ArtifactRef `json:"artifact_refs"`
	DraftRefs   []ieimmodel.ArtifactRef `json:"draft_refs"`
	Drafts      map[string]string       `json:"drafts,omitempty"` // draft kind (REQUEST_INFO/REPLY) -> PENDING/APPROVED/REJECTED
}

// Draft approval decisions.
const (
	DraftPending  = "PENDING"
	DraftApproved = "APPROVED"
	DraftRejected = "REJECTED"
)

// PatchOp is one RFC-6902 operation, restricted to add/replace/remove.
type PatchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Correction is one named-target-stage set of patch operations within a
// submission.
type Correction struct {
	TargetStage   string    `json:"target_stage"`
	Ops           []PatchOp `json:"ops"`
	Justification string    `json:"justification,omitempty"`
	Evidence      []ieimmodel.Evidence `json:"evidence,omitempty"`
}

// CorrectionRecord is the persisted, content-addressed outcome of a
// correction submission.
type CorrectionRecord struct {
	SchemaID     string       `json:"schema_id"`
	CorrectionID string       `json:"correction_id"`
	ReviewItemID string       `json:"review_item_id"`
	MessageID    string       `json:"message_id"`
	RunID        string       `json:"run_id"`
	ActorType    string       `json:"actor_type"`
	ActorID      string       `json:"actor_id"`
	CreatedAt    string       `json:"created_at"`
	Corrections  []Correction `json:"corrections"`
}

var allowedOps = map[string]bool{"add": true, "replace": true, "remove": true}

// ValidateOps rejects any patch operation outside add/replace/remove.
func ValidateOps(ops []PatchOp) error {
	for _, op := range ops {
		if !allowedOps[op.Op] {
			return ieimerrors.New(ieimerrors.KindConfigInvalid, "hitl: unsupported JSON-Patch op "+op.Op)
		}
	}
	return nil
}

// ApplyPatch applies a sequence of add/replace/remove operations to a JSON
// document, using RFC-6901 pointer semantics (including ~0/~1 escaping and
// "-" for list append). Out-of-range indices and missing keys fail.
func ApplyPatch(doc []byte, ops []PatchOp) ([]byte, error) {
	if err := ValidateOps(ops); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(ops)
	if err != nil {
		return nil, ieimerrors.Wrap(ieimerrors.KindConfigInvalid, "hitl: marshal patch ops", err)
	}
	patch, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return nil, ieimerrors.Wrap(ieimerrors.KindConfigInvalid, "hitl: decode JSON-Patch", err)
	}
	out, err := patch.Apply(doc)
	if err != nil {
		return nil, ieimerrors.Wrap(ieimerrors.KindConfigInvalid, "hitl: apply JSON-Patch", err)
	}
	return out, nil
}

// Store is the filesystem-backed review item and correction store rooted at
// baseDir (conventionally the hitl/ directory: review_items/ and
// corrections/ subtrees per §7).
type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) reviewItemPath(queueID, reviewItemID string) string {
	return filepath.Join(s.baseDir, "review_items", queueID, reviewItemID+".review.json")
}

func (s *Store) correctionPath(messageID, runID, correctionID string) string {
	return filepath.Join(s.baseDir, "corrections", messageID, runID, correctionID+".correction.json")
}

// ETag returns sha256(file bytes) in hex, as required for If-Match checks.
func ETag(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// PutReviewItem writes item idempotently: an existing file is returned
// unchanged (its bytes and ETag), regardless of whether the supplied item
// differs -- review items are mutated only through corrections/approvals,
// never by re-PUT.
func (s *Store) PutReviewItem(item ReviewItem) (data []byte, etag string, err error) {
	item.SchemaID = schemaReviewItem
	path := s.reviewItemPath(item.QueueID, item.ReviewItemID)

	if existing, err := os.ReadFile(path); err == nil {
		return existing, ETag(existing), nil
	} else if !os.IsNotExist(err) {
		return nil, "", ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "hitl: read review item", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "hitl: mkdir review item dir", err)
	}
	encoded, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return nil, "", ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "hitl: marshal review item", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return nil, "", ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "hitl: write review item temp file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, "", ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "hitl: atomic rename review item", err)
	}
	return encoded, ETag(encoded), nil
}

// SetDraftStatus records an approve/reject decision for one draft kind on a
// review item, under the same If-Match optimistic-concurrency discipline as
// SubmitCorrection.
func (s *Store) SetDraftStatus(queueID, reviewItemID, draftKind, status, ifMatch string) (newETag string, err error) {
	path := s.reviewItemPath(queueID, reviewItemID)
	current, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ieimerrors.New(ieimerrors.KindNotFound, "hitl: review item not found")
		}
		return "", ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "hitl: read review item", err)
	}
	if ETag(current) != ifMatch {
		return "", ieimerrors.New(ieimerrors.KindETagMismatch, "hitl: If-Match does not match current review item ETag")
	}

	var item ReviewItem
	if err := json.Unmarshal(current, &item); err != nil {
		return "", ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "hitl: decode review item", err)
	}
	if item.Drafts == nil {
		item.Drafts = map[string]string{}
	}
	item.Drafts[draftKind] = status

	encoded, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return "", ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "hitl: marshal review item", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return "", ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "hitl: write review item temp file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "hitl: atomic rename review item", err)
	}
	return ETag(encoded), nil
}

// ListQueues lists every queue that has at least one review item on disk.
func (s *Store) ListQueues() ([]string, error) {
	dir := filepath.Join(s.baseDir, "review_items")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "hitl: list queues", err)
	}
	queues := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			queues = append(queues, e.Name())
		}
	}
	return queues, nil
}

// ListItems returns every review item currently stored under queueID.
func (s *Store) ListItems(queueID string) ([]ReviewItem, error) {
	dir := filepath.Join(s.baseDir, "review_items", queueID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "hitl: list review items", err)
	}
	items := make([]ReviewItem, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "hitl: read review item", err)
		}
		var item ReviewItem
		if err := json.Unmarshal(data, &item); err != nil {
			return nil, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "hitl: decode review item", err)
		}
		items = append(items, item)
	}
	return items, nil
}

// FindReviewItem locates a review item by id alone, scanning every queue --
// the review API's GET /api/review/items/{id} route does not carry a queue
// segment, so review_item_id must be discoverable without it.
func (s *Store) FindReviewItem(reviewItemID string) (queueID string, data []byte, etag string, err error) {
	queues, err := s.ListQueues()
	if err != nil {
		return "", nil, "", err
	}
	for _, q := range queues {
		data, etag, err := s.GetReviewItem(q, reviewItemID)
		if err == nil {
			return q, data, etag, nil
		}
	}
	return "", nil, "", ieimerrors.New(ieimerrors.KindNotFound, "hitl: review item not found in any queue")
}

// GetReviewItem reads the current bytes (and ETag) for a review item.
func (s *Store) GetReviewItem(queueID, reviewItemID string) (data []byte, etag string, err error) {
	path := s.reviewItemPath(queueID, reviewItemID)
	data, err = os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ieimerrors.New(ieimerrors.KindNotFound, "hitl: review item not found")
		}
		return nil, "", ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "hitl: read review item", err)
	}
	return data, ETag(data), nil
}

// SubmitCorrectionInput bundles the correction submission contract (§4.K).
type SubmitCorrectionInput struct {
	QueueID      string
	ReviewItemID string
	MessageID    string
	RunID        string
	ActorType    string
	ActorID      string
	CreatedAt    string
	Corrections  []Correction
	IfMatch      string
	CorrectionID string // optional externally supplied deterministic id
}

// SubmitCorrection validates the ETag, derives (or accepts) the
// correction_id, and writes the correction record idempotently: a replay
// with byte-identical content returns the existing file, a replay with
// different content fails IMMUTABILITY_VIOLATION.
func (s *Store) SubmitCorrection(in SubmitCorrectionInput) (record CorrectionRecord, path string, err error) {
	_, currentETag, err := s.GetReviewItem(in.QueueID, in.ReviewItemID)
	if err != nil {
		return CorrectionRecord{}, "", err
	}
	if currentETag != in.IfMatch {
		return CorrectionRecord{}, "", ieimerrors.New(ieimerrors.KindETagMismatch, "hitl: If-Match does not match current review item ETag")
	}

	for _, c := range in.Corrections {
		if err := ValidateOps(c.Ops); err != nil {
			return CorrectionRecord{}, "", err
		}
	}

	correctionID := in.CorrectionID
	if correctionID == "" {
		correctionsAsJSON, err := toJSONValue(in.Corrections)
		if err != nil {
			return CorrectionRecord{}, "", err
		}
		correctionsHash, err := determinism.DecisionHash(correctionsAsJSON)
		if err != nil {
			return CorrectionRecord{}, "", err
		}
		correctionID, err = determinism.DecisionHash(map[string]any{
			"kind":            "correction",
			"message_id":      in.MessageID,
			"run_id":          in.RunID,
			"review_item_id":  in.ReviewItemID,
			"actor_type":      in.ActorType,
			"actor_id":        in.ActorID,
			"created_at":      in.CreatedAt,
			"corrections_sha": correctionsHash,
		})
		if err != nil {
			return CorrectionRecord{}, "", err
		}
	}

	record = CorrectionRecord{
		SchemaID:     schemaCorrection,
		CorrectionID: correctionID,
		ReviewItemID: in.ReviewItemID,
		MessageID:    in.MessageID,
		RunID:        in.RunID,
		ActorType:    in.ActorType,
		ActorID:      in.ActorID,
		CreatedAt:    in.CreatedAt,
		Corrections:  in.Corrections,
	}
	encoded, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return CorrectionRecord{}, "", ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "hitl: marshal correction record", err)
	}

	target := s.correctionPath(in.MessageID, in.RunID, correctionID)
	if existing, readErr := os.ReadFile(target); readErr == nil {
		existingSHA := sha256Hex(existing)
		newSHA := sha256Hex(encoded)
		if existingSHA == newSHA {
			return record, target, nil
		}
		return CorrectionRecord{}, "", ieimerrors.New(ieimerrors.KindImmutabilityViolation, "hitl: correction_id already recorded with different content")
	} else if !os.IsNotExist(readErr) {
		return CorrectionRecord{}, "", ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "hitl: read correction record", readErr)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return CorrectionRecord{}, "", ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "hitl: mkdir correction dir", err)
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return CorrectionRecord{}, "", ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "hitl: write correction temp file", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return CorrectionRecord{}, "", ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "hitl: atomic rename correction record", err)
	}
	return record, target, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// toJSONValue round-trips v through encoding/json into the plain
// nil/bool/string/float64/map[string]any/[]any shape determinism.JCSBytes
// requires, since structs (and json.RawMessage payloads within them) are not
// accepted directly.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "hitl: marshal for canonicalization", err)
	}
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return nil, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "hitl: decode for canonicalization", err)
	}
	return decoded, nil
}

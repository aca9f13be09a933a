// Package audit implements the append-only, hash-chained audit log
// (component I): one JSONL file per (message_id, run_id) under
// audit/<message_id>/<run_id>.jsonl, each line's event_hash computed over
// its own canonical-JSON bytes and chained to the previous line's hash.
// Grounded in the teacher's internal/audit canonicalJSON-then-hash pattern
// (sorted-key JSON before hashing, because map iteration order and JSONB
// storage both reorder keys), generalized here onto determinism.JCSBytes
// and moved from a Postgres/EventStore backing store to the spec's
// per-file JSONL layout with OS-level file locking in place of a database
// transaction.
package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/attendite/ieim/internal/determinism"
	"github.com/attendite/ieim/internal/ieimerrors"
	"github.com/attendite/ieim/internal/ieimmodel"
)

// ActorType identifies who/what produced an audit event.
type ActorType string

const (
	ActorSystem ActorType = "SYSTEM"
	ActorHuman  ActorType = "HUMAN"
	ActorJob    ActorType = "JOB"
)

// Event is one line of a (message_id, run_id) audit file.
type Event struct {
	SchemaID       string              `json:"schema_id"`
	AuditEventID   string              `json:"audit_event_id"`
	MessageID      string              `json:"message_id"`
	RunID          string              `json:"run_id"`
	Stage          string              `json:"stage"`
	ActorType      ActorType           `json:"actor_type"`
	ActorID        string              `json:"actor_id,omitempty"`
	CreatedAt      string              `json:"created_at"`
	InputRef       *ieimmodel.ArtifactRef `json:"input_ref,omitempty"`
	OutputRef      *ieimmodel.ArtifactRef `json:"output_ref,omitempty"`
	DecisionHash   string              `json:"decision_hash,omitempty"`
	ConfigRef      *ieimmodel.ArtifactRef `json:"config_ref,omitempty"`
	RulesRef       *ieimmodel.ArtifactRef `json:"rules_ref,omitempty"`
	ModelInfo      *ieimmodel.ModelInfo   `json:"model_info,omitempty"`
	Evidence       []ieimmodel.Evidence   `json:"evidence,omitempty"`
	PrevEventHash  string              `json:"prev_event_hash"`
	EventHash      string              `json:"event_hash"`
}

const schemaAuditEvent = "urn:ieim:schema:audit_event:1.0.0"

// Log appends events to, and verifies, per-(message_id, run_id) JSONL audit
// files rooted at baseDir.
type Log struct {
	baseDir string
}

func New(baseDir string) *Log {
	return &Log{baseDir: baseDir}
}

func (l *Log) path(messageID, runID string) string {
	return filepath.Join(l.baseDir, messageID, runID+".jsonl")
}

// Append writes one event to the file for (messageID, runID), setting
// prev_event_hash to the prior line's event_hash (or "" at line 1) and
// computing event_hash over the canonical bytes of the event without its
// own event_hash field. The whole read-last-line + append sequence runs
// under an exclusive advisory lock on the file.
func (l *Log) Append(messageID, runID string, event Event) (Event, error) {
	path := l.path(messageID, runID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Event{}, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "audit: mkdir", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return Event{}, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "audit: open audit file", err)
	}
	defer f.Close()

	if err := lockExclusive(f); err != nil {
		return Event{}, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "audit: lock audit file", err)
	}
	defer unlock(f)

	prevHash, err := lastEventHash(f)
	if err != nil {
		return Event{}, err
	}

	event.SchemaID = schemaAuditEvent
	event.MessageID = messageID
	event.RunID = runID
	event.PrevEventHash = prevHash
	event.EventHash = ""

	hash, err := hashEvent(event)
	if err != nil {
		return Event{}, err
	}
	event.EventHash = hash

	line, err := json.Marshal(event)
	if err != nil {
		return Event{}, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "audit: marshal event", err)
	}

	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		return Event{}, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "audit: seek audit file", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return Event{}, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "audit: write event", err)
	}
	return event, nil
}

func lastEventHash(f *os.File) (string, error) {
	if _, err := f.Seek(0, os.SEEK_SET); err != nil {
		return "", ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "audit: seek audit file", err)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	last := ""
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return "", ieimerrors.Wrap(ieimerrors.KindAuditChainBroken, "audit: parse existing line", err)
		}
		last = e.EventHash
	}
	if err := scanner.Err(); err != nil {
		return "", ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "audit: scan audit file", err)
	}
	return last, nil
}

// hashEvent computes sha256(jcs(event without event_hash)).
func hashEvent(e Event) (string, error) {
	withoutHash := e
	withoutHash.EventHash = ""
	b, err := json.Marshal(withoutHash)
	if err != nil {
		return "", ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "audit: marshal event for hashing", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return "", ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "audit: decode event for canonicalization", err)
	}
	delete(m, "event_hash")
	return determinism.DecisionHash(m)
}

// VerifyResult is the outcome of verifying one audit file.
type VerifyResult struct {
	Path      string
	LineCount int
	Errors    []string
}

// OK reports whether verification found no problems.
func (r VerifyResult) OK() bool { return len(r.Errors) == 0 }

// Verify re-derives and checks every event_hash/prev_event_hash in a single
// audit file against the recomputed canonical hash, per §4.I's verifier.
func Verify(path, messageID, runID string) (VerifyResult, error) {
	result := VerifyResult{Path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		return result, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "audit: read audit file for verification", err)
	}

	prevHash := ""
	lines := splitLines(data)
	for i, line := range lines {
		if len(line) == 0 {
			continue
		}
		result.LineCount++
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			result.Errors = append(result.Errors, lineErr(i, "invalid JSON"))
			continue
		}
		if e.MessageID != messageID || e.RunID != runID {
			result.Errors = append(result.Errors, lineErr(i, "message_id/run_id mismatch with file path"))
		}
		if e.PrevEventHash != prevHash {
			result.Errors = append(result.Errors, lineErr(i, "prev_event_hash does not match preceding line"))
		}
		recomputed, err := hashEvent(e)
		if err != nil {
			result.Errors = append(result.Errors, lineErr(i, "failed to recompute event_hash: "+err.Error()))
			continue
		}
		if recomputed != e.EventHash {
			result.Errors = append(result.Errors, lineErr(i, "event_hash mismatch"))
		}
		prevHash = e.EventHash
	}
	return result, nil
}

func lineErr(i int, msg string) string {
	return "line " + itoa(i+1) + ": " + msg
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	pos := len(buf)
	for n > 0 {
		pos--
		buf[pos] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

func lockExclusive(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX)
}

func unlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

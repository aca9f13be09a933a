package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAppendChainsPrevEventHash(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	e1, err := l.Append("msg-1", "run-1", Event{Stage: "INGEST", ActorType: ActorSystem, CreatedAt: "2026-01-01T00:00:00Z"})
	if err != nil {
		t.Fatal(err)
	}
	if e1.PrevEventHash != "" {
		t.Fatalf("expected empty prev_event_hash for first event, got %q", e1.PrevEventHash)
	}
	if e1.EventHash == "" {
		t.Fatal("expected a computed event_hash")
	}

	e2, err := l.Append("msg-1", "run-1", Event{Stage: "NORMALIZE", ActorType: ActorSystem, CreatedAt: "2026-01-01T00:00:01Z"})
	if err != nil {
		t.Fatal(err)
	}
	if e2.PrevEventHash != e1.EventHash {
		t.Fatalf("expected prev_event_hash to chain to first event, got %q want %q", e2.PrevEventHash, e1.EventHash)
	}

	result, err := Verify(l.path("msg-1", "run-1"), "msg-1", "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if !result.OK() {
		t.Fatalf("expected clean verification, got errors: %v", result.Errors)
	}
	if result.LineCount != 2 {
		t.Fatalf("expected 2 lines, got %d", result.LineCount)
	}
}

func TestVerifyDetectsTamperedField(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	if _, err := l.Append("msg-2", "run-1", Event{Stage: "INGEST", ActorType: ActorSystem, CreatedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append("msg-2", "run-1", Event{Stage: "NORMALIZE", ActorType: ActorSystem, CreatedAt: "2026-01-01T00:00:01Z"}); err != nil {
		t.Fatal(err)
	}

	path := l.path("msg-2", "run-1")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	var last map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &last); err != nil {
		t.Fatal(err)
	}
	last["stage"] = "TAMPERED"
	tampered, err := json.Marshal(last)
	if err != nil {
		t.Fatal(err)
	}
	lines[len(lines)-1] = string(tampered)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := Verify(path, "msg-2", "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if result.OK() {
		t.Fatal("expected verification to fail after tampering with the last event")
	}
	found := false
	for _, e := range result.Errors {
		if strings.Contains(e, "event_hash mismatch") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an event_hash mismatch error, got: %v", result.Errors)
	}
}

func TestVerifyDetectsBrokenChain(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)
	if _, err := l.Append("msg-3", "run-1", Event{Stage: "INGEST", ActorType: ActorSystem, CreatedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append("msg-3", "run-1", Event{Stage: "NORMALIZE", ActorType: ActorSystem, CreatedAt: "2026-01-01T00:00:01Z"}); err != nil {
		t.Fatal(err)
	}

	path := l.path("msg-3", "run-1")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	var last map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &last); err != nil {
		t.Fatal(err)
	}
	last["prev_event_hash"] = "sha256:0000000000000000000000000000000000000000000000000000000000000000"
	tampered, err := json.Marshal(last)
	if err != nil {
		t.Fatal(err)
	}
	lines[len(lines)-1] = string(tampered)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := Verify(path, "msg-3", "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if result.OK() {
		t.Fatal("expected verification to fail on broken prev_event_hash chain")
	}
}

func TestAppendCreatesPerMessageRunFile(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)
	if _, err := l.Append("msg-4", "run-a", Event{Stage: "INGEST", ActorType: ActorSystem, CreatedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	expected := filepath.Join(dir, "msg-4", "run-a.jsonl")
	if _, err := os.Stat(expected); err != nil {
		t.Fatalf("expected audit file at %s: %v", expected, err)
	}
}

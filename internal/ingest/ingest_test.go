package ingest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/attendite/ieim/internal/attachment"
	"github.com/attendite/ieim/internal/audit"
	"github.com/attendite/ieim/internal/rawstore"
)

type cleanScanner struct{}

func (cleanScanner) Scan(data []byte, filename, mimeType string) (attachment.AVStatus, error) {
	return attachment.AVClean, nil
}

func writeMessage(t *testing.T, dir, name, raw string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
}

const sampleEml = "From: alice@example.com\r\nTo: intake@example.com\r\nSubject: Claim status\r\nMessage-ID: <abc123@example.com>\r\n\r\nPlease check my claim.\r\n"

func newRunner(t *testing.T, dir string) *Runner {
	t.Helper()
	base := t.TempDir()
	return &Runner{
		Adapter:       &FilesystemAdapter{Dir: dir},
		Raw:           rawstore.New(filepath.Join(base, "raw_store")),
		Attachments:   &attachment.Stage{Raw: rawstore.New(filepath.Join(base, "raw_store")), AV: cleanScanner{}, ArtifactDir: filepath.Join(base, "attachments")},
		Audit:         audit.New(filepath.Join(base, "audit")),
		NormalizedDir: filepath.Join(base, "normalized"),
		StateDir:      filepath.Join(base, "state"),
	}
}

func TestTickIngestsNewMessageAndSkipsOnReplay(t *testing.T) {
	dir := t.TempDir()
	writeMessage(t, dir, "0001.eml", sampleEml)
	r := newRunner(t, dir)

	result, err := r.Tick(10)
	if err != nil {
		t.Fatal(err)
	}
	if result.Processed != 1 {
		t.Fatalf("expected 1 processed message, got %+v", result)
	}

	entries, err := os.ReadDir(r.NormalizedDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one normalized message file, got %d", len(entries))
	}

	// A second tick with no new files and the same cursor processes nothing new.
	result2, err := r.Tick(10)
	if err != nil {
		t.Fatal(err)
	}
	if result2.Processed != 0 {
		t.Fatalf("expected no new messages on second tick, got %+v", result2)
	}
}

func TestTickDedupesReingestionOfSameRawBytes(t *testing.T) {
	dir := t.TempDir()
	writeMessage(t, dir, "0001.eml", sampleEml)
	writeMessage(t, dir, "0002.eml", sampleEml) // byte-identical raw MIME, different ref name
	r := newRunner(t, dir)

	result, err := r.Tick(10)
	if err != nil {
		t.Fatal(err)
	}
	if result.Processed != 1 || result.Skipped != 1 {
		t.Fatalf("expected one processed and one deduped, got %+v", result)
	}
}

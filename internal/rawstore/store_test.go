package rawstore

import (
	"os"
	"testing"

	"github.com/attendite/ieim/internal/ieimerrors"
)

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

func TestPutGetRoundtrip(t *testing.T) {
	s := New(t.TempDir())
	ref, err := s.Put("mime", []byte("hello"), ".eml")
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ref)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestPutIsIdempotentForSameBytes(t *testing.T) {
	s := New(t.TempDir())
	r1, err := s.Put("mime", []byte("hello"), ".eml")
	if err != nil {
		t.Fatal(err)
	}
	r2, err := s.Put("mime", []byte("hello"), ".eml")
	if err != nil {
		t.Fatal(err)
	}
	if r1.SHA256 != r2.SHA256 || r1.URI != r2.URI {
		t.Fatalf("expected identical refs, got %+v and %+v", r1, r2)
	}
}

func TestPutRejectsMismatchedContentAtSamePath(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	data := []byte("hello")
	ref, err := s.Put("mime", data, ".eml")
	if err != nil {
		t.Fatal(err)
	}

	// Simulate on-disk corruption: overwrite the content-addressed file
	// with different bytes, then re-Put the original data. The store must
	// detect the mismatch rather than silently trusting the path.
	path := dir + "/mime/" + ref.SHA256[len("sha256:"):] + ".eml"
	if err := writeFile(path, []byte("tampered")); err != nil {
		t.Fatal(err)
	}

	_, err = s.Put("mime", data, ".eml")
	if !ieimerrors.As(err, ieimerrors.KindImmutabilityViolation) {
		t.Fatalf("expected IMMUTABILITY_VIOLATION, got %v", err)
	}
}

func TestPutRejectsSeparatorInKind(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Put("a/b", []byte("x"), "")
	if !ieimerrors.As(err, ieimerrors.KindConfigInvalid) {
		t.Fatalf("expected CONFIG_INVALID, got %v", err)
	}
}

func TestPutRejectsExtWithoutDot(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Put("mime", []byte("x"), "eml")
	if !ieimerrors.As(err, ieimerrors.KindConfigInvalid) {
		t.Fatalf("expected CONFIG_INVALID, got %v", err)
	}
}
